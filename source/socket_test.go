package source

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/microbatch/types"
)

// testServer is a one-connection TCP line producer.
type testServer struct {
	ln     net.Listener
	connCh chan net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{ln: ln, connCh: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.connCh <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *testServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection within timeout")
		return nil
	}
}

func pullLines(t *testing.T, src *SocketSource, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lines []string
	for time.Now().Before(deadline) {
		got, err := src.Pull(context.Background())
		require.NoError(t, err)
		lines = append(lines, got...)
		if len(lines) >= want {
			return lines
		}
	}
	t.Fatalf("expected %d lines, got %d", want, len(lines))
	return nil
}

func TestSocketSourcePullsNewLines(t *testing.T) {
	srv := newTestServer(t)
	host, port := srv.hostPort(t)
	src := NewSocketSource(host, port, 100*time.Millisecond)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	conn := srv.accept(t)
	defer conn.Close()

	_, err := conn.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, pullLines(t, src, 2))

	_, err = conn.Write([]byte("three\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, pullLines(t, src, 1))
}

// A pull with zero new data is an empty batch, not an error, so time-based
// triggers keep firing visibly.
func TestSocketSourceEmptyPull(t *testing.T) {
	srv := newTestServer(t)
	host, port := srv.hostPort(t)
	src := NewSocketSource(host, port, 50*time.Millisecond)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()
	srv.accept(t)

	lines, err := src.Pull(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// A dropped connection surfaces ErrSourceDisconnected, and a partial
// trailing line is dropped rather than delivered.
func TestSocketSourceDisconnect(t *testing.T) {
	srv := newTestServer(t)
	host, port := srv.hostPort(t)
	src := NewSocketSource(host, port, 100*time.Millisecond)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	conn := srv.accept(t)
	_, err := conn.Write([]byte("complete\npartial"))
	require.NoError(t, err)
	assert.Equal(t, []string{"complete"}, pullLines(t, src, 1))

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = src.Pull(context.Background())
		if err != nil || time.Now().After(deadline) {
			break
		}
	}
	require.ErrorIs(t, err, types.ErrSourceDisconnected)

	// Reopen restores the feed.
	require.NoError(t, src.Open(context.Background()))
	conn2 := srv.accept(t)
	defer conn2.Close()
	_, err = conn2.Write([]byte("back\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"back"}, pullLines(t, src, 1))
}

func TestSocketSourceOpenFailure(t *testing.T) {
	src := NewSocketSource("127.0.0.1", 1, 50*time.Millisecond)
	err := src.Open(context.Background())
	assert.Error(t, err)
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	require.NoError(t, src.Open(context.Background()))
	src.Push("a", "b")

	lines, err := src.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	lines, err = src.Pull(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)

	src.FailNext(types.ErrSourceDisconnected)
	src.Push("c")
	_, err = src.Pull(context.Background())
	assert.True(t, errors.Is(err, types.ErrSourceDisconnected))

	lines, err = src.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, lines)
}
