package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"
)

type LogLevel uint32

const (
	ErrorLevel LogLevel = LogLevel(logrus.ErrorLevel)
	WarnLevel  LogLevel = LogLevel(logrus.WarnLevel)
	InfoLevel  LogLevel = LogLevel(logrus.InfoLevel)
	DebugLevel LogLevel = LogLevel(logrus.DebugLevel)
	TraceLevel LogLevel = LogLevel(logrus.TraceLevel)
)

const scopeField = "scope"

type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	IsLogLevelEnabled(level LogLevel) bool
	Logf(level LogLevel, format string, args ...interface{})
	Scoped(scope string) Logger
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// LogrusLogger adapts a logrus entry to Logger. Scopes nest as
// "outer/inner" in the scope field.
type LogrusLogger struct {
	*logrus.Entry
	scope string
}

// Wrap returns a Logger writing through l.
func Wrap(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{Entry: logrus.NewEntry(l)}
}

// Discard returns a Logger that drops everything.
func Discard() *LogrusLogger {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return Wrap(l)
}

func (l *LogrusLogger) IsLogLevelEnabled(level LogLevel) bool {
	return l.Entry.Logger.IsLevelEnabled(logrus.Level(level))
}

func (l *LogrusLogger) Logf(level LogLevel, format string, args ...interface{}) {
	l.Entry.Logf(logrus.Level(level), format, args...)
}

func (l *LogrusLogger) Scoped(scope string) Logger {
	if l.scope != "" {
		scope = l.scope + "/" + scope
	}
	return &LogrusLogger{
		Entry: l.Entry.WithField(scopeField, scope),
		scope: scope,
	}
}
