package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/spf13/pflag"

// Flag is a command line flag that knows how to register and validate
// itself.
type Flag interface {
	FlagKey() string
	FlagShort() string
	FlagUsage() string
	FlagValidate() error
	AddTo(flagSet *pflag.FlagSet)
	AddUnhiddenTo(flagSet *pflag.FlagSet)
}

// Part holds what every flag has in common
type Part struct {
	Key    string
	short  string
	usage  string
	hidden bool
}

// NewPart returns a new Part object
func NewPart(key, short, usage string, hidden bool) Part {
	return Part{
		Key:    key,
		short:  short,
		usage:  usage,
		hidden: hidden,
	}
}

func (p Part) FlagKey() string {
	return p.Key
}

func (p Part) FlagShort() string {
	return p.short
}

func (p Part) FlagUsage() string {
	return p.usage
}

func (p Part) hide(flagSet *pflag.FlagSet) {
	if p.hidden {
		flag := flagSet.Lookup(p.Key)
		flag.Hidden = true
	}
}
