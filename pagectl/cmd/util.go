// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the pagectl commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"pagecore.dev/pagecore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user, and are also logged.
var ErrorLogger io.Writer

// Fatalf logs the same message as Errorf and then exits with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs an error to the standard log and to ErrorLogger.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	writeToErrorLogger(format, args...)
}

// Infof writes an informational message to the standard log and to
// ErrorLogger.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	writeToErrorLogger(format, args...)
}

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeToErrorLogger(format string, args ...any) {
	if ErrorLogger == nil {
		return
	}
	j := jsonError{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	if _, err := ErrorLogger.Write(b); err != nil {
		log.Warningf("writing to the error log: %v", err)
	}
	ErrorLogger.Write([]byte("\n"))
}
