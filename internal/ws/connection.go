package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection bound to a ghost
// identity, with a write mutex for serializing outbound frames. It satisfies
// the registry's Transport interface.
type Connection struct {
	GhostID    string     // ghost identity this connection authenticates as
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last frame received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps ghost IDs and file
// descriptors to their respective Connection objects. It supports O(1)
// lookups by both ghost ID and fd. A ghost ID maps to at most one connection;
// a newer connection for the same ghost supersedes the older entry.
type ConnectionManager struct {
	mu      sync.RWMutex
	byGhost map[string]*Connection // ghost_id -> Connection
	byFd    map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byGhost: make(map[string]*Connection),
		byFd:    make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps. If the ghost already had a
// connection, the old one is returned so the caller can tear it down; its fd
// entry is removed while the ghost entry now points at the new connection.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	old := cm.byGhost[conn.GhostID]
	if old != nil {
		delete(cm.byFd, old.Fd)
	}
	cm.byGhost[conn.GhostID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
	return old
}

// Remove removes the given connection, closes the underlying network
// connection, and cleans up both lookup maps. The ghost entry is only deleted
// when it still points at this exact connection, so removing a superseded
// connection cannot evict its replacement. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	cur, ok := cm.byFd[conn.Fd]
	if ok && cur == conn {
		delete(cm.byFd, conn.Fd)
		if cm.byGhost[conn.GhostID] == conn {
			delete(cm.byGhost, conn.GhostID)
		}
	} else {
		ok = false
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ghost ID, or nil if not found.
func (cm *ConnectionManager) Get(ghostID string) *Connection {
	cm.mu.RLock()
	conn := cm.byGhost[ghostID]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byFd)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byFd))
	for _, conn := range cm.byFd {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
