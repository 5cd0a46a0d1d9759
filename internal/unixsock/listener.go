// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package unixsock serves a line-oriented status control protocol on a
// Unix domain socket.
package unixsock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

// Backend is the status access the protocol needs.
type Backend interface {
	Snapshot() (*card.Table, error)
	Lookup(key string) (card.Entry, error)
	Set(ctx context.Context, key string, v card.Value) error
}

// Listener manages control socket connections.
type Listener struct {
	socketPath string
	backend    Backend
	listener   net.Listener
	wg         sync.WaitGroup
	done       chan struct{}
	mu         sync.Mutex
}

// NewListener creates a new Unix socket listener.
func NewListener(socketPath string, backend Backend) *Listener {
	return &Listener{
		socketPath: socketPath,
		backend:    backend,
		done:       make(chan struct{}),
	}
}

// Start begins listening on the Unix socket.
func (l *Listener) Start() error {
	socketDir := filepath.Dir(l.socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket left by a previous run
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	// Readable/writable by owner and group
	if err := os.Chmod(l.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()

	slog.Info("control socket listening", "path", l.socketPath)

	go l.acceptLoop()

	return nil
}

// Serve starts the listener and blocks until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return l.Stop()
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop() error {
	close(l.done)

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()

	os.Remove(l.socketPath)

	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Warn("control socket accept error", "err", err)
				continue
			}
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Connection protocol, one command per line:
//
//	GET <KEY>                        -> OK <value>
//	SET <KEY> <kind> <value...>      -> OK
//	DUMP                             -> OK <n>, then n card lines
//	QUIT                             -> OK bye
//
// kind is int, float, bool or string. Failures answer ERROR <message>.

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		select {
		case <-l.done:
			return
		default:
		}

		// Set read deadline for interruptibility
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		quit := l.execute(writer, line)
		writer.Flush()
		if quit {
			return
		}
	}
}

// execute runs one command and reports whether the session should end.
func (l *Listener) execute(w *bufio.Writer, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(cmd) {
	case "QUIT":
		w.WriteString("OK bye\n")
		return true

	case "GET":
		if rest == "" || strings.Contains(rest, " ") {
			writeError(w, errors.New("usage: GET <KEY>"))
			return false
		}
		e, err := l.backend.Lookup(rest)
		if err != nil {
			writeError(w, err)
			return false
		}
		fmt.Fprintf(w, "OK %s\n", e.Value)

	case "SET":
		key, v, err := parseSet(rest)
		if err != nil {
			writeError(w, err)
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = l.backend.Set(ctx, key, v)
		cancel()
		if err != nil {
			writeError(w, err)
			return false
		}
		w.WriteString("OK\n")

	case "DUMP":
		t, err := l.backend.Snapshot()
		if err != nil {
			writeError(w, err)
			return false
		}
		cards, err := card.EncodeCards(t)
		if err != nil {
			writeError(w, err)
			return false
		}
		n := len(cards) / card.Size
		fmt.Fprintf(w, "OK %d\n", n)
		for i := 0; i < n; i++ {
			w.Write(cards[i*card.Size : (i+1)*card.Size])
			w.WriteByte('\n')
		}

	default:
		writeError(w, fmt.Errorf("unknown command %q", cmd))
	}
	return false
}

// parseSet splits "<KEY> <kind> <value...>". The value keeps inner spaces.
func parseSet(args string) (string, card.Value, error) {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) != 3 {
		return "", card.Value{}, errors.New("usage: SET <KEY> <int|float|bool|string> <value>")
	}
	kind, err := card.ParseKind(parts[1])
	if err != nil {
		return "", card.Value{}, err
	}
	v, err := card.ParseAs(kind, parts[2])
	if err != nil {
		return "", card.Value{}, err
	}
	return parts[0], v, nil
}

func writeError(w *bufio.Writer, err error) {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	fmt.Fprintf(w, "ERROR %s\n", msg)
}

// SocketPath returns the path to the Unix socket.
func (l *Listener) SocketPath() string {
	return l.socketPath
}
