package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-blocking/infrastructure/renderer"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/testutils"
)

func newBridgeCommand() *cobra.Command {
	var (
		listen    string
		scenePath string
	)
	cmd := &cobra.Command{
		Use:   "bridge --scene scene.json",
		Short: "Serve an in-memory render bridge for dry runs",
		Long:  "Serve the render bridge protocol over an in-memory scene with flat placeholder captures.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scene, err := readScene(scenePath)
			if err != nil {
				return err
			}
			return serveBridge(cmd.Context(), listen, testutils.NewFakeRenderer(scene))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8765", "address to serve the bridge on")
	cmd.Flags().StringVar(&scenePath, "scene", "", "JSON object mapping entity names to transforms")
	_ = cmd.MarkFlagRequired("scene")
	return cmd
}

func readScene(path string) (domain.SceneState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene: %w", err)
	}
	var scene domain.SceneState
	if err := json.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("invalid scene %s: %w", path, err)
	}
	if len(scene) == 0 {
		return nil, fmt.Errorf("scene %s has no entities", path)
	}
	for name, t := range scene {
		if !t.IsFinite() {
			return nil, fmt.Errorf("scene %s: entity %q has a non-finite transform", path, name)
		}
	}
	return scene, nil
}

func serveBridge(ctx context.Context, addr string, r *testutils.FakeRenderer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	srv := &http.Server{
		Addr:              addr,
		Handler:           renderer.NewHandler(r, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("render bridge listening", "addr", addr, "entities", len(r.Scene()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	captures, teardowns, _ := r.Counts()
	logger.Info("render bridge stopped", "captures", captures, "writes", len(r.Writes()), "teardowns", teardowns)
	return nil
}
