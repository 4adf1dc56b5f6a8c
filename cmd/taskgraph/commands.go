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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/taskgraph/services/taskgraph"
	"github.com/AleutianAI/taskgraph/services/taskgraph/model"
	"github.com/AleutianAI/taskgraph/services/taskgraph/transaction"
)

// batchFile is the on-disk form of an apply request, YAML or JSON.
type batchFile struct {
	Operation transaction.Op `yaml:"operation" json:"operation"`
	Items     []*model.Item  `yaml:"items" json:"items"`
}

func readBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		bf = batchFile{}
		if jsonErr := json.Unmarshal(data, &bf); jsonErr != nil {
			return nil, fmt.Errorf("parse batch file %s (tried YAML and JSON): YAML error: %v, JSON error: %w", path, err, jsonErr)
		}
	}
	if bf.Operation == "" {
		bf.Operation = transaction.OpCreate
	}
	bf.Operation = transaction.Op(strings.ToLower(string(bf.Operation)))
	return &bf, nil
}

func newApplyCmd(a *app) *cobra.Command {
	var (
		dryRun       bool
		allOrNothing bool
		batchSize    int
	)
	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply a batch of creates, updates, or deletes in one scope",
		Long: `Apply stages every item in FILE in a single scope and commits once.

FILE is YAML or JSON:

  operation: create        # create (default), update, or delete
  items:
    - path: release
      name: Release 1.0
      type: MILESTONE
    - path: release/docs
      name: Write docs
      type: TASK
      parentPath: release
      dependencies: [release/code]

Dependencies may point forward within the file. Items that fail are
reported; the rest commit unless --all-or-nothing is set.

Exit status is 1 when some items failed, 2 on any other error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bf, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			var opts []taskgraph.BatchOption
			if dryRun {
				opts = append(opts, taskgraph.WithDryRun())
			}
			if allOrNothing {
				opts = append(opts, taskgraph.WithAllOrNothing())
			}
			if batchSize > 0 {
				opts = append(opts, taskgraph.WithBatchSize(batchSize))
			}
			res, err := a.engine.ProcessBatch(cmd.Context(), bf.Operation, bf.Items, opts...)
			if res != nil {
				if werr := writeBatch(cmd.OutOrStdout(), a.jsonOut, res); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if res.FailedCount > 0 || res.Halted {
				return errFindings
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and stage, then roll back")
	cmd.Flags().BoolVar(&allOrNothing, "all-or-nothing", false, "roll back if any item fails")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "group size (default from config)")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get PATH",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := a.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), it)
			}
			return writeItem(cmd.OutOrStdout(), it)
		},
	}
}

func newChildrenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "children PATH",
		Short: "List the direct children of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := a.engine.Children(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.writeItems(cmd, children)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := a.engine.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.writeItems(cmd, items)
		},
	}
}

func newOrderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "order [FILE]",
		Short: "Print items in dependency order",
		Long: `Order prints items so that every dependency comes before its
dependents. With FILE, the items in the batch file are ordered;
otherwise every stored item is. A cycle is reported as an error naming
the items on it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []*model.Item
			if len(args) == 1 {
				bf, err := readBatchFile(args[0])
				if err != nil {
					return err
				}
				items = bf.Items
			} else {
				all, err := a.engine.List(cmd.Context())
				if err != nil {
					return err
				}
				items = all
			}
			sorted, err := a.engine.SortByDependencies(items)
			if err != nil {
				return err
			}
			paths := model.ChildPaths(sorted)
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), paths)
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newSettleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Recompute statuses from dependencies and commit the changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.engine.SettleStatuses(cmd.Context())
			if res != nil {
				if werr := writeBatch(cmd.OutOrStdout(), a.jsonOut, res); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if res.FailedCount > 0 {
				return errFindings
			}
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete PATH",
		Short: "Delete one item",
		Long: `Delete removes an item. It fails while any item still names it as a
parent or dependency. With --version, the delete only commits if the
stored version still matches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scope, err := a.engine.BeginTransaction(ctx, "")
			if err != nil {
				return err
			}
			if err := a.engine.StageDelete(ctx, scope, args[0], version); err != nil {
				_ = a.engine.Rollback(ctx, scope)
				return err
			}
			if err := a.engine.Commit(ctx, scope); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected current version (0 skips the check)")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status PATH STATUS",
		Short: "Move an item to a new status",
		Long: `Status stages a status change and commits it. The transition must be
legal and consistent with the item's parent, children, and
dependencies. A blocked dependency forces BLOCKED instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			it, err := a.engine.Get(ctx, args[0])
			if err != nil {
				return err
			}
			it.Status = model.Status(strings.ToUpper(args[1]))

			scope, err := a.engine.BeginTransaction(ctx, "")
			if err != nil {
				return err
			}
			staged, err := a.engine.StageUpdate(ctx, scope, it)
			if err != nil {
				_ = a.engine.Rollback(ctx, scope)
				return err
			}
			if err := a.engine.Commit(ctx, scope); err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), staged)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s (version %d)\n", staged.Path, staged.Status, staged.Version)
			return nil
		},
	}
}

func (a *app) writeItems(cmd *cobra.Command, items []*model.Item) error {
	if a.jsonOut {
		if items == nil {
			items = []*model.Item{}
		}
		return writeJSON(cmd.OutOrStdout(), items)
	}
	return writeItems(cmd.OutOrStdout(), items)
}
