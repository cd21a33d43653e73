package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"
)

var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

// Exit codes.
const (
	// ExitOK means the filesystem is consistent, or was made so.
	ExitOK = 0
	// ExitDamaged means damage remains: something was irreparable, could not
	// be read, or would have been repaired in a no-modify run.
	ExitDamaged = 1
	// ExitUsage means the command line or the config was rejected.
	ExitUsage = 2
)

// Each command executed may have a error message and status code
var errorStatusCode int
var errorStatusMessage error

var exit = os.Exit

// SetError sets the global variables for when the process exits to display accordingly
func SetError(err error, code int) {
	errorStatusCode = code
	errorStatusMessage = err
}

// HandleErrors prints the error set by the last command and exits with its
// status code. It is meant to be deferred in main.
func HandleErrors() {
	code := handleErrors(os.Stderr)
	if code != ExitOK {
		exit(code)
	}
}

func handleErrors(w io.Writer) int {

	code := errorStatusCode
	if errorStatusMessage != nil {
		fmt.Fprintf(w, "xfsrepair: %v\n", errorStatusMessage)
		if code == ExitOK {
			code = ExitDamaged
		}
	}

	return code

}
