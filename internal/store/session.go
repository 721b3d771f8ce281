package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is a ghost's stored session state. A session absent from the store
// means "not connected", regardless of any live transport connection the
// process may still hold; the connection registry reconciles against this.
type Session struct {
	GhostID      string    `json:"ghost_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
	CustomName   string    `json:"custom_name,omitempty"`
	AvatarID     string    `json:"avatar_id,omitempty"`
}

// UpsertSession writes a session for the ghost with a fresh sliding lease
// and registers the id in the active-identity set. Presentation attributes
// on sess (custom name, avatar) are stored as given; CreatedAt and
// LastActivity are set to now when zero.
func (s *Store) UpsertSession(ctx context.Context, ghostID string, sess Session) error {
	now := time.Now().UTC()
	sess.GhostID = ghostID
	sess.Active = true
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, SessionKey(ghostID), data, s.ttl.Session)
	pipe.SAdd(ctx, ActiveUsersKey, ghostID)
	pipe.Expire(ctx, ActiveUsersKey, s.ttl.ActiveUsers)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("upsert session", err)
	}
	return nil
}

// TouchSession refreshes the session's last-activity timestamp and extends
// its lease. A missing session is not an error: expiry may have already
// reclaimed it, and touching must not resurrect it.
func (s *Store) TouchSession(ctx context.Context, ghostID string) error {
	key := SessionKey(ghostID)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return unavailable("touch session", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return err
	}
	sess.LastActivity = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl.Session).Err(); err != nil {
		return unavailable("touch session", err)
	}
	return nil
}

// ReadSession returns the session for a ghost, or ErrNotFound if the lease
// has lapsed or the session never existed.
func (s *Store) ReadSession(ctx context.Context, ghostID string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, SessionKey(ghostID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read session", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// LastSeen returns the last-activity timestamp for a ghost's session.
func (s *Store) LastSeen(ctx context.Context, ghostID string) (time.Time, error) {
	sess, err := s.ReadSession(ctx, ghostID)
	if err != nil {
		return time.Time{}, err
	}
	return sess.LastActivity, nil
}

// ActiveIdentityCount returns the cardinality of the active-identity set.
func (s *Store) ActiveIdentityCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, ActiveUsersKey).Result()
	if err != nil {
		return 0, unavailable("active identity count", err)
	}
	return n, nil
}
