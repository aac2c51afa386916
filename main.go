// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command growatt-rtu-broker bridges one RS-485 Modbus-RTU inverter
// to a ShineWiFi-X serial pass-through and one or more Modbus-TCP
// clients, serializing and pacing all traffic so the inverter only
// ever sees a single master.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/l4m4re/growatt-rtu-broker/internal/broker"
	"github.com/l4m4re/growatt-rtu-broker/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	setupLogger(cfg.LogLevel)

	b, err := broker.New(cfg)
	if err != nil {
		slog.Error("failed to start broker", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutting down")
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		slog.Error("broker stopped with error", "err", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
