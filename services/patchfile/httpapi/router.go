// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi is the optional HTTP surface of patchfile.
//
// Routes:
//
//	GET  /health     liveness
//	GET  /metrics    Prometheus scrape endpoint
//	POST /v1/patch   one patch_file request (handler.Request JSON)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
	"github.com/AleutianAI/PatchFile/services/patchfile/handler"
	"github.com/AleutianAI/PatchFile/services/patchfile/telemetry"
)

// PatchHandler runs one request. *handler.Handler implements it.
type PatchHandler interface {
	Handle(ctx context.Context, req handler.Request) (*handler.Response, error)
}

// NewRouter builds the gin engine.
func NewRouter(h PatchHandler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(telemetry.ServiceName))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metrics))

	v1 := r.Group("/v1")
	v1.POST("/patch", handlePatch(h, logger))

	return r
}

// patchBody is the POST /v1/patch body. PatchContent is a pointer so an
// absent field is rejected here while an empty one still reaches the
// handler, which reports it as a parse failure and counts it.
type patchBody struct {
	FilePath     string  `json:"file_path" binding:"required"`
	PatchContent *string `json:"patch_content" binding:"required"`
}

// handlePatch serves POST /v1/patch.
//
// Response:
//
//	200 OK: handler.Response with success true
//	400 Bad Request: missing file_path or patch_content field
//	403 Forbidden: path rejected by the security gate
//	409 Conflict: file changed during the edit
//	422 Unprocessable Entity: parse, not found or ambiguous match
//	429 Too Many Requests: admission limits
func handlePatch(h PatchHandler, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body patchBody
		if err := c.ShouldBindJSON(&body); err != nil {
			logger.Warn("invalid patch request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, &handler.Response{
				Message: "invalid request body: " + err.Error(),
				Code:    string(pferrors.CodeServerRequestInvalid),
			})
			return
		}

		req := handler.Request{FilePath: body.FilePath, PatchContent: *body.PatchContent}
		resp, err := h.Handle(c.Request.Context(), req)
		c.JSON(pferrors.HTTPStatus(err), resp)
	}
}

// Serve runs the router on addr until ctx is done, then shuts down with
// a five second grace period.
func Serve(ctx context.Context, addr string, router http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("http server stopped")
	return nil
}
