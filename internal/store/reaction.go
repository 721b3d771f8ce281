package store

import (
	"context"
	"strings"
)

// ReactionSummary is the aggregate view of one emoji on one message.
type ReactionSummary struct {
	Emoji    string            `json:"emoji"`
	Count    int               `json:"count"`
	Reactors []string          `json:"reactors"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// AddReaction records that the ghost reacted to a message with the emoji,
// and stores the ghost's display label in the side table. Both keys inherit
// the parent message's remaining lease so reaction state never outlives the
// message it decorates. Returns the full reaction map for the message.
func (s *Store) AddReaction(ctx context.Context, roomID, messageID, emoji, ghostID, label string) (map[string]*ReactionSummary, error) {
	remaining, err := s.rdb.TTL(ctx, MessageKey(roomID, messageID)).Result()
	if err != nil {
		return nil, unavailable("add reaction", err)
	}
	if remaining == -2 {
		// Message expired or never existed.
		return nil, ErrNotFound
	}
	if remaining < 0 {
		// Key exists without a lease; fall back to the message lease.
		remaining = s.ttl.Message
	}

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, ReactionKey(messageID, emoji), ghostID)
	pipe.Expire(ctx, ReactionKey(messageID, emoji), remaining)
	pipe.HSet(ctx, ReactionNamesKey(messageID, emoji), ghostID, label)
	pipe.Expire(ctx, ReactionNamesKey(messageID, emoji), remaining)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("add reaction", err)
	}

	return s.ListReactions(ctx, messageID)
}

// RemoveReaction removes the ghost's reaction. An emptied reactor set is
// deleted immediately, together with its label table, rather than being left
// for the store's own expiry to reclaim. Returns the updated reaction map.
func (s *Store) RemoveReaction(ctx context.Context, messageID, emoji, ghostID string) (map[string]*ReactionSummary, error) {
	_, err := s.removeReactionScript.Run(ctx, s.rdb,
		[]string{ReactionKey(messageID, emoji), ReactionNamesKey(messageID, emoji)},
		ghostID,
	).Int()
	if err != nil {
		return nil, unavailable("remove reaction", err)
	}
	return s.ListReactions(ctx, messageID)
}

// ListReactions returns the reaction map for a message: emoji to summary.
// A message with no reactions yields an empty, non-nil map.
func (s *Store) ListReactions(ctx context.Context, messageID string) (map[string]*ReactionSummary, error) {
	out := make(map[string]*ReactionSummary)
	prefix := ReactionPrefix + messageID + ":"

	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		emoji := strings.TrimPrefix(key, prefix)

		reactors, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return nil, unavailable("list reactions", err)
		}
		if len(reactors) == 0 {
			continue
		}

		labels, err := s.rdb.HGetAll(ctx, ReactionNamesKey(messageID, emoji)).Result()
		if err != nil {
			return nil, unavailable("list reactions", err)
		}

		out[emoji] = &ReactionSummary{
			Emoji:    emoji,
			Count:    len(reactors),
			Reactors: reactors,
			Labels:   labels,
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("list reactions", err)
	}
	return out, nil
}

// removeReactionLua removes one reactor and deletes the set and its label
// table the moment the set becomes empty, so an expired message's shape is
// not disclosed by lingering empty reaction keys. Returns the remaining
// reactor count.
const removeReactionLua = `
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
if count == 0 then
    redis.call('DEL', KEYS[1], KEYS[2])
end
return count
`
