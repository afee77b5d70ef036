/*
 * Copyright 2025 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package source

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rulego/microbatch/logger"
	"github.com/rulego/microbatch/types"
)

const defaultReadTimeout = 500 * time.Millisecond

// SocketSource reads newline-framed UTF-8 text from a TCP endpoint.
// A background reader accumulates complete lines; each Pull drains the
// lines buffered since the previous pull. A partial trailing line at
// disconnect is dropped.
type SocketSource struct {
	addr        string
	dialTimeout time.Duration
	readTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	lines  []string
	err    error
	closed bool

	notify chan struct{}
}

// NewSocketSource creates a socket line source for host:port.
// readTimeout bounds how long an empty Pull blocks; <= 0 uses the default.
func NewSocketSource(host string, port int, readTimeout time.Duration) *SocketSource {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &SocketSource{
		addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		dialTimeout: 5 * time.Second,
		readTimeout: readTimeout,
		notify:      make(chan struct{}, 1),
	}
}

// Open dials the endpoint and starts the background reader. Open may be
// called again after a disconnect to re-establish the connection.
func (s *SocketSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("socket source %s: already closed", s.addr)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.err = nil
	logger.Info("socket source connected to %s", s.addr)
	go s.readLoop(conn)
	return nil
}

// readLoop reads lines until the connection drops or is replaced.
func (s *SocketSource) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// The partial trailing line, if any, is dropped.
			s.mu.Lock()
			if s.conn == conn && !s.closed {
				s.err = types.ErrSourceDisconnected
				logger.Warn("socket source %s: %v (%v)", s.addr, types.ErrSourceDisconnected, err)
			}
			s.mu.Unlock()
			s.signal()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		stale := s.conn != conn
		if !stale {
			s.lines = append(s.lines, line)
		}
		s.mu.Unlock()
		if stale {
			return
		}
		s.signal()
	}
}

func (s *SocketSource) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pull drains the lines received since the last pull, blocking up to the
// read timeout when none are buffered. Zero new lines is an empty batch,
// not an error.
func (s *SocketSource) Pull(ctx context.Context) ([]string, error) {
	if lines, done, err := s.drain(); done {
		return lines, err
	}
	select {
	case <-s.notify:
	case <-time.After(s.readTimeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	lines, _, err := s.drain()
	return lines, err
}

// drain returns buffered lines, or the pending connection error when the
// buffer is empty. done is false when there is nothing to report yet.
func (s *SocketSource) drain() ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) > 0 {
		lines := s.lines
		s.lines = nil
		return lines, true, nil
	}
	if s.err != nil {
		return nil, true, s.err
	}
	return nil, false, nil
}

// Close tears the connection down; subsequent pulls report disconnection.
func (s *SocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
