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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/PatchFile/services/patchfile/httpapi"
	"github.com/AleutianAI/PatchFile/services/patchfile/mcpserver"
	"github.com/AleutianAI/PatchFile/services/patchfile/security"
	"github.com/AleutianAI/PatchFile/services/patchfile/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the patch_file tool over MCP stdio (and optionally HTTP)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("http-addr", "", "also serve HTTP on this address, e.g. 127.0.0.1:8088")
	cmd.Flags().Bool("stdio", true, "serve MCP on stdin/stdout")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.Server.HTTPAddr = addr
	}
	useStdio, _ := cmd.Flags().GetBool("stdio")
	if !useStdio && cfg.Server.HTTPAddr == "" {
		return errors.New("nothing to serve: --stdio=false requires --http-addr")
	}

	// Stdout is the protocol channel; logs go to the file, or stderr.
	logger := newLogger(cfg, useStdio)
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, telemetry.Options{Version: Version})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.gate.CheckStartup(ctx, security.DefaultElevationProbe); err != nil {
		log.Error("startup check failed", slog.String("error", err.Error()))
		return startupFailure(cmd, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if useStdio {
		srv := mcpserver.New(a.handler, Version, log)
		g.Go(func() error {
			// Stdin closing ends the session and the HTTP server with it.
			defer cancel()
			return srv.Serve(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	}
	if cfg.Server.HTTPAddr != "" {
		router := httpapi.NewRouter(a.handler, log)
		g.Go(func() error {
			return httpapi.Serve(gctx, cfg.Server.HTTPAddr, router, log)
		})
	}

	log.Info("patchfile serving",
		slog.String("version", Version),
		slog.Bool("stdio", useStdio),
		slog.String("http_addr", cfg.Server.HTTPAddr),
		slog.Any("allowed_dirs", a.gate.Roots()),
	)
	return g.Wait()
}
