// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/AleutianAI/taskgraph/services/taskgraph"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeItems(w io.Writer, items []*model.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tTYPE\tSTATUS\tVERSION\tDEPENDS ON")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			it.Path, it.Type, it.Status, it.Version, strings.Join(it.Dependencies, ","))
	}
	return tw.Flush()
}

func writeItem(w io.Writer, it *model.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path:\t%s\n", it.Path)
	fmt.Fprintf(tw, "name:\t%s\n", it.Name)
	fmt.Fprintf(tw, "type:\t%s\n", it.Type)
	fmt.Fprintf(tw, "status:\t%s\n", it.Status)
	fmt.Fprintf(tw, "version:\t%d\n", it.Version)
	if it.ParentPath != "" {
		fmt.Fprintf(tw, "parent:\t%s\n", it.ParentPath)
	}
	if len(it.Dependencies) > 0 {
		fmt.Fprintf(tw, "depends on:\t%s\n", strings.Join(it.Dependencies, ", "))
	}
	if len(it.Subtasks) > 0 {
		fmt.Fprintf(tw, "subtasks:\t%s\n", strings.Join(it.Subtasks, ", "))
	}
	if it.Description != "" {
		fmt.Fprintf(tw, "description:\t%s\n", it.Description)
	}
	return tw.Flush()
}

// batchReport is the JSON shape of a batch result.
type batchReport struct {
	ScopeID   string       `json:"scope_id"`
	Committed bool         `json:"committed"`
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Unchanged int          `json:"unchanged"`
	Halted    bool         `json:"halted"`
	Reason    string       `json:"halt_reason,omitempty"`
	Cause     string       `json:"halt_cause,omitempty"`
	Errors    []itemReport `json:"errors,omitempty"`
}

type itemReport struct {
	Index    int        `json:"index"`
	Path     string     `json:"path"`
	Code     model.Code `json:"code,omitempty"`
	Paths    []string   `json:"paths,omitempty"`
	Error    string     `json:"error"`
	Attempts int        `json:"attempts"`
}

func newBatchReport(res *taskgraph.BatchResult) batchReport {
	r := batchReport{
		ScopeID:   res.ScopeID,
		Committed: res.Committed,
		Processed: res.ProcessedCount,
		Succeeded: res.SucceededCount,
		Failed:    res.FailedCount,
		Skipped:   res.SkippedCount,
		Unchanged: res.UnchangedCount,
		Halted:    res.Halted,
		Reason:    res.HaltReason,
		Cause:     res.HaltCause,
	}
	for _, ie := range res.Errors {
		r.Errors = append(r.Errors, itemReport{
			Index:    ie.Index,
			Path:     ie.Path,
			Code:     model.CodeOf(ie.Err),
			Paths:    model.PathsOf(ie.Err),
			Error:    ie.Err.Error(),
			Attempts: ie.Attempts,
		})
	}
	return r
}

func writeBatch(w io.Writer, jsonOut bool, res *taskgraph.BatchResult) error {
	r := newBatchReport(res)
	if jsonOut {
		return writeJSON(w, r)
	}
	state := "rolled back"
	if r.Committed {
		state = "committed"
	}
	fmt.Fprintf(w, "scope %s %s: %d processed, %d succeeded, %d failed, %d skipped, %d unchanged\n",
		r.ScopeID, state, r.Processed, r.Succeeded, r.Failed, r.Skipped, r.Unchanged)
	if r.Halted {
		fmt.Fprintf(w, "halted (%s): %s\n", r.Reason, r.Cause)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  [%d] %s: %s\n", e.Index, e.Path, e.Error)
	}
	return nil
}
