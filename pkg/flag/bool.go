package flag

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/spf13/pflag"
)

// BoolFlag handles boolean flags
type BoolFlag struct {
	Part
	Value    bool
	Validate func(Value BoolFlag) error
}

// NewBoolFlag returns a new BoolFlag object
func NewBoolFlag(key, short, usage string, hidden bool) BoolFlag {
	return BoolFlag{
		Part: NewPart(key, short, usage, hidden),
	}
}

// AddTo satisfies the Flag interface requirement
func (f *BoolFlag) AddTo(flagSet *pflag.FlagSet) {
	f.AddUnhiddenTo(flagSet)
	f.hide(flagSet)
}

// AddUnhiddenTo satisfies the Flag interface requirement
func (f *BoolFlag) AddUnhiddenTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.BoolVar(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.BoolVarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
}

// FlagValidate satisfies the Flag interface requirement
func (f BoolFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}
