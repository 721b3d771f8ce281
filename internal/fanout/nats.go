// Package fanout bridges room broadcasts across GhostChat nodes over NATS.
// Each node publishes its room traffic to a per-room subject and subscribes
// to the traffic of every other node; a node identifier stamped on each
// frame keeps a node from re-delivering its own broadcasts.
package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectRoom is the prefix for per-room broadcast subjects ("room.<room_id>").
const SubjectRoom = "room"

// frame is the wire format carried on room subjects.
type frame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Client wraps the NATS connection with room publish and subscribe helpers.
// Its PublishRoom method satisfies the registry's Publisher interface.
type Client struct {
	conn   *nats.Conn
	nodeID string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "ghostchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		nodeID: uuid.NewString(),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// NodeID returns the identifier stamped on frames published by this client.
func (c *Client) NodeID() string {
	return c.nodeID
}

// PublishRoom publishes an encoded server envelope to the room.<roomID>
// subject, stamped with this node's identifier.
func (c *Client) PublishRoom(roomID string, payload []byte) error {
	data, err := json.Marshal(frame{Origin: c.nodeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("nats encode frame: %w", err)
	}
	return c.conn.Publish(SubjectRoom+"."+roomID, data)
}

// SubscribeRooms subscribes to every room subject and invokes the handler
// with the room id and the original envelope for frames published by other
// nodes. Frames this node published are dropped.
func (c *Client) SubscribeRooms(handler func(roomID string, payload []byte)) error {
	subject := SubjectRoom + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var f frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			log.Printf("[nats] bad frame on %s: %v", msg.Subject, err)
			return
		}
		if f.Origin == c.nodeID {
			return
		}
		roomID := strings.TrimPrefix(msg.Subject, SubjectRoom+".")
		handler(roomID, f.Payload)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
