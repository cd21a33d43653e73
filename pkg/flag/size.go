package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/cloudfoundry/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// SizeFlag handles byte size flags such as "64M" or "1G"
type SizeFlag struct {
	Part
	Value    uint64
	Validate func(f SizeFlag) error
}

// NewSizeFlag returns a new SizeFlag object
func NewSizeFlag(key, usage string, value uint64, validate func(SizeFlag) error) SizeFlag {
	return SizeFlag{
		Part:     NewPart(key, "", usage, false),
		Value:    value,
		Validate: validate,
	}
}

// String satisfies the pflag.Value interface
func (f *SizeFlag) String() string {
	return bytefmt.ByteSize(f.Value)
}

// Set satisfies the pflag.Value interface
func (f *SizeFlag) Set(s string) error {
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return errors.Wrapf(err, "--%s", f.Key)
	}
	f.Value = n
	return nil
}

// Type satisfies the pflag.Value interface
func (f *SizeFlag) Type() string {
	return "size"
}

// AddTo satisfies the Flag interface requirement
func (f *SizeFlag) AddTo(flagSet *pflag.FlagSet) {
	f.AddUnhiddenTo(flagSet)
	f.hide(flagSet)
}

// AddUnhiddenTo satisfies the Flag interface requirement
func (f *SizeFlag) AddUnhiddenTo(flagSet *pflag.FlagSet) {
	flagSet.Var(f, f.Key, f.usage)
}

// FlagValidate satisfies the Flag interface requirement
func (f SizeFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}
