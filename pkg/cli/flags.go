package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"runtime"

	"github.com/vorteil/xfsrepair/pkg/flag"
	"github.com/vorteil/xfsrepair/pkg/xfsdev"
)

// repairFlags holds the flags of the root command. A fresh set is made for
// every command so that parsing never leaks between runs.
type repairFlags struct {
	noModify   flag.BoolFlag
	threads    flag.UintFlag
	agStride   flag.UintFlag
	noPrefetch flag.BoolFlag
	cacheSize  flag.SizeFlag
	verbose    flag.BoolFlag
	debug      flag.BoolFlag
	report     flag.StringFlag
	config     flag.StringFlag
}

func newRepairFlags() *repairFlags {
	return &repairFlags{
		noModify: flag.NewBoolFlag("no-modify", "n", "report what would be repaired without writing to the device", false),
		threads: flag.NewUintFlag("threads", "t", "number of allocation groups processed in parallel", uint(2*runtime.NumCPU()), func(f flag.UintFlag) error {
			if f.Value == 0 {
				return errors.New("must be positive")
			}
			return nil
		}),
		agStride:   flag.NewUintFlag("ag-stride", "", "process allocation groups i, i+N, i+2N... in sequence on one worker", 0, nil),
		noPrefetch: flag.NewBoolFlag("no-prefetch", "", "disable inode and directory readahead", false),
		cacheSize: flag.NewSizeFlag("cache-size", "size of the block cache", xfsdev.DefaultCacheBytes, func(f flag.SizeFlag) error {
			if f.Value < 1<<20 {
				return errors.New("must be at least 1M")
			}
			return nil
		}),
		verbose: flag.NewBoolFlag("verbose", "v", "enable verbose output", false),
		debug:   flag.NewBoolFlag("debug", "d", "enable debug output", true),
		report:  flag.NewStringFlag("report", "", "write a YAML summary of the run to `FILE`", false, nil),
		config:  flag.NewStringFlag("config", "", "read settings from `FILE` instead of ~/.xfsrepair.yaml", false, nil),
	}
}

func (f *repairFlags) list() flag.FlagsList {
	return flag.FlagsList{
		&f.noModify,
		&f.threads,
		&f.agStride,
		&f.noPrefetch,
		&f.cacheSize,
		&f.verbose,
		&f.debug,
		&f.report,
		&f.config,
	}
}
