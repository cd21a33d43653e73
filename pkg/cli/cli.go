package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vorteil/xfsrepair/pkg/config"
	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/repair"
	"github.com/vorteil/xfsrepair/pkg/xfsdev"
)

// RootCommand is set up by InitializeCommands.
var RootCommand *cobra.Command

func InitializeCommands() {
	RootCommand = newRootCommand()
	RootCommand.AddCommand(versionCmd)
}

func newRootCommand() *cobra.Command {

	flags := newRepairFlags()

	cmd := &cobra.Command{
		Use:   "xfsrepair [flags] DEVICE",
		Short: "Check and repair an unmounted XFS filesystem",
		Long: `xfsrepair checks an unmounted XFS (v4) filesystem and repairs what it can:
duplicate block claims, damaged directories, disconnected inodes and wrong
link counts. Use --no-modify to see what would be done without writing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.list().Validate()
		},
		Run: func(cmd *cobra.Command, args []string) {
			err := runRepair(cmd, flags, args[0])
			if err != nil {
				SetError(err, ExitDamaged)
			}
		},
	}

	flags.list().AddTo(cmd.Flags())

	return cmd

}

func newLogger(cmd *cobra.Command, s *config.Settings, debug bool) *elog.LogrusLogger {
	level := elog.InfoLevel
	switch {
	case debug:
		level = elog.TraceLevel
	case s.Verbose:
		level = elog.DebugLevel
	}
	return elog.NewCLI(cmd.OutOrStdout(), cmd.ErrOrStderr(), level)
}

func runRepair(cmd *cobra.Command, flags *repairFlags, device string) error {

	settings, err := config.Load(nil, flags.config.Value, cmd.Flags())
	if err != nil {
		SetError(err, ExitUsage)
		return nil
	}

	log := newLogger(cmd, settings, flags.debug.Value)
	if settings.File != "" {
		log.Debugf("using config file: %s", settings.File)
	}

	noModify := flags.noModify.Value

	dev, err := xfsdev.Open(device, xfsdev.Options{
		CacheBytes: int64(settings.CacheSize),
		ReadOnly:   noModify,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	opts := repair.Options{
		NoModify:   noModify,
		Threads:    settings.Threads,
		AGStride:   settings.AGStride,
		NoPrefetch: !settings.Prefetch,
		CacheBytes: int64(settings.CacheSize),
	}

	var bars *repair.Bars
	if cmd.OutOrStdout() == os.Stdout && elog.IsTerminal(os.Stdout) && !settings.Verbose {
		bars = repair.NewBars(os.Stdout)
		opts.Progress = bars
	}

	s, err := repair.New(dev, log, opts)
	if err != nil {
		return err
	}

	log.Infof("run %s on %s", s.ID(), device)
	if noModify {
		log.Infof("no-modify mode: nothing will be written")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			log.Warnf("%v: stopping after the current step", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := s.Run(ctx)
	if bars != nil {
		bars.Wait()
	}

	r := s.Report()
	r.WriteTable(cmd.OutOrStdout())

	if settings.Report != "" {
		err = writeReport(settings.Report, r)
		if err != nil {
			log.Errorf("%v", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	if code := r.ExitCode(); code != ExitOK {
		SetError(nil, code)
	}

	return nil

}

func writeReport(path string, r *repair.Report) error {

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating report")
	}

	err = r.WriteYAML(f)
	if err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()

}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View version information",
	Long:  "View version information",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {

		format, err := cmd.Flags().GetString("format")
		if err != nil {
			panic(err)
		}

		switch format {
		case "json", "", "plain":
			return nil
		default:
			return fmt.Errorf("invalid format '%s'", format)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {

		format, err := cmd.Flags().GetString("format")
		if err != nil {
			panic(err)
		}

		w := cmd.OutOrStdout()
		switch format {
		case "json":
			fmt.Fprintf(w, "{\n\t\"version\": \"%s\",\n\t\"ref\": \"%s\",\n\t\"released\": \"%s\"\n}\n",
				release, commit, date)
		default:
			fmt.Fprintf(w, "Version: %s\nRef: %s\nReleased: %s\n", release, commit, date)
		}

	},
}

func init() {
	versionCmd.Flags().String("format", "plain", "output format (json or plain)")
}
