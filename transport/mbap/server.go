// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mbap serves Modbus-TCP upstream clients, bridging each MBAP
// request onto the downstream RTU wire and echoing transaction
// identity back unchanged.
package mbap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

const (
	headerSize = 7
	// minLength/maxLength bound the MBAP length field: unit id plus
	// a PDU of 1..252 bytes. Out-of-range values are a framing
	// anomaly and close the connection before any allocation.
	minLength = 2
	maxLength = 253

	readTimeout = 3 * time.Second
)

// Transactor is the downstream arbiter as the endpoint sees it.
type Transactor interface {
	Transact(req []byte, client string) ([]byte, error)
}

// Server is one Modbus-TCP listener. Several servers may share a
// single Transactor; its arbitration keeps the wire serialized.
type Server struct {
	addr     string
	ds       Transactor
	listener net.Listener
}

// NewServer returns a server that will listen on addr.
func NewServer(addr string, ds Transactor) *Server {
	return &Server{addr: addr, ds: ds}
}

// Start binds the listener and accepts connections until ctx is
// done. It blocks; run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the listener so bind errors surface at startup.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	slog.Info("modbus tcp server listening", "addr", s.addr)
	return nil
}

// Serve accepts connections on the bound listener until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection serves one client until EOF, a read timeout, or
// any framing/CRC anomaly. No Modbus exception is synthesized on
// failure; the connection is simply closed and the client reconnects.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := "TCP:" + conn.RemoteAddr().String()
	slog.Info("tcp client connected", "client", peer)

	header := make([]byte, headerSize)
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, err := io.ReadFull(conn, header); err != nil {
			if err != io.EOF {
				slog.Debug("tcp header read ended", "client", peer, "err", err)
			}
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		unit := header[6]
		if length < minLength || length > maxLength {
			slog.Warn("tcp client sent bad mbap length", "client", peer, "length", length)
			return
		}

		pdu := make([]byte, length-1)
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		rtuReq := crc.Append(append([]byte{unit}, pdu...))
		rtuResp, err := s.ds.Transact(rtuReq, peer)
		if err != nil {
			slog.Error("downstream transaction failed", "client", peer, "err", err)
			return
		}
		if len(rtuResp) < 4 || !crc.Verify(rtuResp) {
			return
		}

		pduOut := rtuResp[1 : len(rtuResp)-2]
		resp := make([]byte, headerSize+len(pduOut))
		copy(resp[0:4], header[0:4]) // tid and pid echo unchanged
		binary.BigEndian.PutUint16(resp[4:6], uint16(len(pduOut)+1))
		resp[6] = rtuResp[0]
		copy(resp[headerSize:], pduOut)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}
