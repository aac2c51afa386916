// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package broker wires the endpoints around the single downstream
// arbiter and holds their lifetimes.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/event"
	"github.com/l4m4re/growatt-rtu-broker/transport/downstream"
	"github.com/l4m4re/growatt-rtu-broker/transport/mbap"
	"github.com/l4m4re/growatt-rtu-broker/transport/serialport"
	"github.com/l4m4re/growatt-rtu-broker/transport/shine"
)

// Broker is the assembled process: one arbiter, its upstream
// endpoints, and the event fan-out.
type Broker struct {
	cfg     *config.Config
	hub     *event.Hub
	sniff   *event.Broadcast
	arbiter *downstream.Arbiter
	servers []*mbap.Server
	shine   *shine.Endpoint
}

func serialDialer(settings serialport.Settings) func() (*serialport.Port, error) {
	return func() (*serialport.Port, error) {
		return serialport.Open(settings)
	}
}

// New builds the broker: event sinks from --log and --sniff, the
// downstream arbiter (its port opens eagerly), the TCP servers and
// the optional Shine endpoint.
func New(cfg *config.Config) (*Broker, error) {
	b := &Broker{cfg: cfg}

	var sinks []event.Sink
	if s := event.SinkForLog(cfg.Log); s != nil {
		sinks = append(sinks, s)
	}
	if cfg.Sniff != "" {
		b.sniff = event.NewBroadcast(cfg.Sniff)
		sinks = append(sinks, b.sniff)
	}
	b.hub = event.NewHub(sinks...)

	invSettings, err := cfg.InverterSettings()
	if err != nil {
		return nil, err
	}
	invDial := serialDialer(invSettings)
	b.arbiter, err = downstream.New(func() (downstream.Port, error) {
		return invDial()
	}, downstream.Config{
		MinCmdPeriod: cfg.MinCmdPeriod(),
		ReadTimeout:  cfg.ReadTimeout(),
	}, b.hub)
	if err != nil {
		return nil, err
	}

	for _, addr := range cfg.TCPAddrs() {
		b.servers = append(b.servers, mbap.NewServer(addr, b.arbiter))
	}

	if cfg.Shine != "" {
		shineSettings, err := cfg.ShineSettings()
		if err != nil {
			b.arbiter.Close()
			return nil, err
		}
		shineDial := serialDialer(shineSettings)
		b.shine = shine.New(func() (shine.Port, error) {
			return shineDial()
		}, b.arbiter, b.hub)
	}

	return b, nil
}

// Run binds every listener, starts the endpoints and blocks until
// ctx is done. In-flight transactions may complete or be abandoned;
// the arbiter's bus cleanup discards any partial reply on the next
// start.
func (b *Broker) Run(ctx context.Context) error {
	for _, s := range b.servers {
		if err := s.Listen(); err != nil {
			b.arbiter.Close()
			return err
		}
	}
	if b.sniff != nil {
		if err := b.sniff.Listen(); err != nil {
			b.arbiter.Close()
			return err
		}
	}

	var wg sync.WaitGroup
	for _, s := range b.servers {
		wg.Add(1)
		go func(s *mbap.Server) {
			defer wg.Done()
			if err := s.Serve(ctx); err != nil {
				slog.Error("tcp server stopped with error", "err", err)
			}
		}(s)
	}
	if b.sniff != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.sniff.Serve(ctx); err != nil {
				slog.Error("sniff relay stopped with error", "err", err)
			}
		}()
	}
	if b.shine != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.shine.Run(ctx)
		}()
	}

	slog.Info("broker up",
		"inverter", b.cfg.Inverter,
		"shine", b.cfg.Shine,
		"tcp", b.cfg.TCPAddrs(),
		"sniff", b.cfg.Sniff,
	)

	<-ctx.Done()
	wg.Wait()
	return b.arbiter.Close()
}
