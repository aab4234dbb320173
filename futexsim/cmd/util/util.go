// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/kfutex/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// stderr. It is the file named by --log, if any.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Printf(format+"\n", args...)
}

// Errorf logs error to the --log destination, to stderr, and debug logs. It
// returns the formatted error.
func Errorf(format string, args ...any) error {
	// If a error log destination is set, try to write to it too.
	if ErrorLogger != nil {
		writeError(ErrorLogger, format, args...)
	}
	// Writes to stderr, so it can be seen when running futexsim directly.
	writeError(os.Stderr, format, args...)
	log.Warningf(format, args...)
	return fmt.Errorf(format, args...)
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// writeError writes a JSON error message line to w.
func writeError(w io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := json.NewEncoder(w).Encode(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   msg,
		Level: "error",
		Time:  time.Now(),
	}); err != nil {
		fmt.Fprintf(w, "error writing %q: %v\n", msg, err)
	}
}
