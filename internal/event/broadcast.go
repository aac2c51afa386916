// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package event

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// writeGrace bounds how long one stalled observer can hold up the
// fan-out before being dropped.
const writeGrace = time.Second

// Broadcast is the sniff relay: a TCP listener that streams every
// event as a JSONL line to all connected observers. Observers are
// write-only; anything they send is ignored and never read.
type Broadcast struct {
	addr     string
	listener net.Listener

	mu        sync.Mutex
	observers map[net.Conn]struct{}
}

// NewBroadcast returns a relay that will listen on addr.
func NewBroadcast(addr string) *Broadcast {
	return &Broadcast{
		addr:      addr,
		observers: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves until ctx is done. It blocks;
// run it in its own goroutine.
func (b *Broadcast) Start(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Listen binds the listener so bind errors surface at startup.
func (b *Broadcast) Listen() error {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("sniff relay: failed to listen on %s: %w", b.addr, err)
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	slog.Info("sniff relay listening", "addr", b.addr)
	return nil
}

// Serve accepts observers on the bound listener until ctx is done.
func (b *Broadcast) Serve(ctx context.Context) error {
	listener := b.listener

	go func() {
		<-ctx.Done()
		listener.Close()
		b.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("sniff relay accept failed", "err", err)
				continue
			}
		}
		slog.Info("sniff observer connected", "addr", conn.RemoteAddr())
		b.mu.Lock()
		b.observers[conn] = struct{}{}
		b.mu.Unlock()
	}
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broadcast) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Handle sends the line to every observer. The observer set lock is
// never held across a send: the set is snapshotted, released, and
// dead observers are pruned under the lock afterwards.
func (b *Broadcast) Handle(line []byte) {
	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.observers))
	for c := range b.observers {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var dead []net.Conn
	payload := append(append(make([]byte, 0, len(line)+1), line...), '\n')
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeGrace))
		if _, err := c.Write(payload); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, c := range dead {
		delete(b.observers, c)
	}
	b.mu.Unlock()
	for _, c := range dead {
		c.Close()
	}
}

func (b *Broadcast) closeAll() {
	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.observers))
	for c := range b.observers {
		conns = append(conns, c)
		delete(b.observers, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
