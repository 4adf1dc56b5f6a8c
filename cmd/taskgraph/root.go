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
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/taskgraph/pkg/logging"
	"github.com/AleutianAI/taskgraph/pkg/telemetry"
	"github.com/AleutianAI/taskgraph/services/taskgraph"
	"github.com/AleutianAI/taskgraph/services/taskgraph/config"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	storePath  string
	backend    string
	jsonOut    bool
	verbose    bool

	cfg       config.Config
	logger    *logging.Logger
	telemetry func(context.Context) error
	engine    *taskgraph.Engine
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskgraph",
		Short: "Validate and apply task-graph mutations",
		Long: `taskgraph stages creates, updates, and deletes of work items in a
transaction scope and commits them only if the whole graph stays valid:
no dependency cycles, legal parent/child types, legal status transitions.

Configuration comes from --config (YAML, JSON, or TOML), then TASKGRAPH_*
environment variables, then flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.open,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (yaml, json, or toml)")
	root.PersistentFlags().StringVar(&a.storePath, "store", "", "store path (overrides config)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "store backend: memory, jsonl, or badger")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "write JSON output")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newApplyCmd(a),
		newGetCmd(a),
		newChildrenCmd(a),
		newListCmd(a),
		newOrderCmd(a),
		newSettleCmd(a),
		newDeleteCmd(a),
		newStatusCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Store.Backend = a.backend
	}
	if a.storePath != "" {
		cfg.Store.Path = a.storePath
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	lc := cfg.LoggerConfig("taskgraph")
	lc.Output = cmd.ErrOrStderr()
	// Engine lifecycle lines are noise on a terminal.
	if !a.verbose && cfg.Logging.Level == "info" {
		lc.Level = logging.LevelWarn
	}
	a.logger = logging.New(lc)

	tc := cfg.TelemetryConfig("taskgraph")
	tc.Output = cmd.ErrOrStderr()
	shutdown, err := telemetry.Init(cmd.Context(), tc)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = shutdown

	e, err := taskgraph.New(cfg, taskgraph.WithLogger(a.logger.Slog()))
	if err != nil {
		return err
	}
	a.engine = e
	return nil
}

func (a *app) close(ctx context.Context) error {
	var err error
	if a.engine != nil {
		err = a.engine.Close(ctx)
		a.engine = nil
	}
	if a.telemetry != nil {
		err = errors.Join(err, a.telemetry(ctx))
		a.telemetry = nil
	}
	if a.logger != nil {
		err = errors.Join(err, a.logger.Close())
		a.logger = nil
	}
	return err
}
