// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command taskgraph applies and inspects task-graph mutations against a
// local store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes.
const (
	exitSuccess  = 0
	exitFindings = 1 // completed, but some items failed
	exitError    = 2
)

// errFindings marks a run that completed with per-item failures.
var errFindings = errors.New("some items failed")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	return execute(args, os.Stdout, os.Stderr)
}

// execute runs one invocation and always releases the engine, including
// when the command failed.
func execute(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(context.Background())
	err = errors.Join(err, a.close(context.Background()))
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errFindings):
		return exitFindings
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
}
