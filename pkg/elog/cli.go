package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// CLI formats log entries for a terminal: one line per entry, prefixed with
// the scope and coloured by level.
type CLI struct {
	DisableColors bool
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.TraceLevel: color.New(color.FgHiBlack),
}

// Format satisfies logrus.Formatter.
func (f *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	buf := new(bytes.Buffer)

	if scope, ok := entry.Data[scopeField]; ok {
		fmt.Fprintf(buf, "[%v] ", scope)
	}

	msg := entry.Message
	if c, ok := levelColors[entry.Level]; ok && !f.DisableColors {
		msg = c.Sprint(msg)
	}

	buf.WriteString(msg)
	buf.WriteByte('\n')

	return buf.Bytes(), nil

}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func terminalWriter(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok && IsTerminal(w) {
		return colorable.NewColorable(f)
	}
	return w
}

type streamHook struct {
	out       io.Writer
	levels    []logrus.Level
	formatter logrus.Formatter
}

func (h *streamHook) Levels() []logrus.Level {
	return h.levels
}

func (h *streamHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(b)
	return err
}

// NewCLI returns a logger that writes progress (info and below) to stdout
// and diagnostics (warnings and errors) to stderr.
func NewCLI(stdout, stderr io.Writer, level LogLevel) *LogrusLogger {

	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	l.SetLevel(logrus.Level(level))

	l.AddHook(&streamHook{
		out:       terminalWriter(stdout),
		levels:    []logrus.Level{logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel},
		formatter: &CLI{DisableColors: !IsTerminal(stdout)},
	})

	l.AddHook(&streamHook{
		out:       terminalWriter(stderr),
		levels:    []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel},
		formatter: &CLI{DisableColors: !IsTerminal(stderr)},
	})

	return Wrap(l)

}
