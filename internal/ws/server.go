// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active ghost connections, and dispatching
// incoming messages to the connection registry.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mindwanders1993/GhostChatApp/internal/identity"
	"github.com/mindwanders1993/GhostChatApp/internal/registry"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket edge built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Connection lifecycle and room
// state live in the registry; the server owns only the sockets.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	registry   *registry.Registry
	dispatcher *Dispatcher
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	bufPool    sync.Pool // pool of reusable read buffers
	done       chan struct{}
	startedAt  time.Time // server start time for uptime reporting
}

// NewServer creates a Server bound to the given connection registry. Incoming
// frames are parsed and routed into the registry by the server's dispatcher.
func NewServer(config ServerConfig, reg *registry.Registry) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		registry:   reg,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
	s.dispatcher = NewDispatcher(reg)

	return s
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the keepalive monitor to detect and close dead connections.
	StartKeepalive(s, DefaultKeepaliveConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The client presents its ghost identity in the
// ghost_id query parameter; a request without one is minted a fresh identity.
// On success the connection is registered with epoll, the manager, and the
// connection registry, which sends connection_established.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ghostID := r.URL.Query().Get("ghost_id")
	if ghostID == "" {
		ghostID = identity.New()
	} else if !identity.Valid(ghostID) {
		http.Error(w, "invalid ghost_id", http.StatusBadRequest)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)

	c := &Connection{
		GhostID:   ghostID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	// Register with the manager and epoll. A previous connection for the
	// same ghost is evicted here; the registry closes its transport when it
	// supersedes it during Connect.
	if old := s.conns.Add(c); old != nil {
		_ = s.epoll.Remove(old.Conn)
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed ghost=%s: %v", ghostID, err)
		s.conns.Remove(c)
		return
	}

	// Hand the connection to the registry, which restores room state for a
	// reconnecting ghost and announces the connection to the client.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Connect(ctx, ghostID, c); err != nil {
		log.Printf("ws: registry connect failed ghost=%s: %v", ghostID, err)
		_ = s.epoll.Remove(conn)
		s.conns.Remove(c)
		return
	}

	log.Printf("ws: new connection ghost=%s fd=%d (total=%d)", ghostID, fd, s.conns.Count())
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll, the connection manager, and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the keepalive handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload into a pooled buffer. Dispatch fully decodes
	// the frame before returning, so the buffer can be reused afterwards.
	bufp := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufp)

	data := *bufp
	if int64(cap(data)) < header.Length {
		data = make([]byte, header.Length)
		*bufp = data
	}
	data = data[:header.Length]

	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection removes a connection from epoll, the connection manager,
// and the registry, and closes the underlying network connection. It is
// exported so that the keepalive monitor can evict dead connections. Removing
// a connection that has already been superseded in the registry only releases
// the socket; the replacement stays registered.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + keepalive timeout).
	if !s.conns.Remove(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.registry.DisconnectTransport(ctx, c.GhostID, c)

	log.Printf("ws: connection closed ghost=%s (total=%d)", c.GhostID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the keepalive monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, disconnects all active ghosts
// from the registry, and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Release every ghost's room state and close the sockets.
	for _, c := range s.conns.All() {
		dcCtx, dcCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.registry.DisconnectTransport(dcCtx, c.GhostID, c)
		dcCancel()
		_ = s.epoll.Remove(c.Conn)
		s.conns.Remove(c)
	}

	// Close the epoll instance.
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
