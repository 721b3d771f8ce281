package store

import (
	"context"
)

// DeleteIdentityEverywhere removes every store trace that is keyed by or
// references the ghost id: the session, reaction memberships and labels,
// direct-room records addressed by the id, the active-identity entry, and
// membership in every room. Message bodies authored by the ghost are *not*
// removed — they are keyed by message id, not ghost id, and run out their
// own leases unless an explicit message purge is requested. Callers that
// need full content erasure combine this with DeleteMessagesAllRooms.
func (s *Store) DeleteIdentityEverywhere(ctx context.Context, ghostID string) error {
	keys, err := s.ScanIdentityKeys(ctx, ghostID)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.SRem(ctx, ActiveUsersKey, ghostID)

	for _, setKey := range []string{AllRoomsKey, DirectRoomsKey} {
		roomIDs, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return unavailable("delete identity", err)
		}
		for _, roomID := range roomIDs {
			pipe.SRem(ctx, MembersKey(roomID), ghostID)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete identity", err)
	}
	return nil
}

// ScanIdentityKeys returns every key whose name contains the ghost id.
// Used both for destruction and for the post-destruction verification
// report.
func (s *Store) ScanIdentityKeys(ctx context.Context, ghostID string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, "*"+ghostID+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan identity keys", err)
	}
	return keys, nil
}

// KeysByPattern returns every key matching the pattern. Cleanup and
// verification paths only; not for hot paths.
func (s *Store) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("keys by pattern", err)
	}
	return keys, nil
}

// DeleteKeys removes the given keys.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete keys", err)
	}
	return nil
}

// CountKeys returns the number of keys matching the pattern. Drives the
// operability report; not used on hot paths.
func (s *Store) CountKeys(ctx context.Context, pattern string) (int, error) {
	n := 0
	iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, unavailable("count keys", err)
	}
	return n, nil
}

// IsActiveIdentity reports whether the ghost id is still present in the
// active-identity set.
func (s *Store) IsActiveIdentity(ctx context.Context, ghostID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, ActiveUsersKey, ghostID).Result()
	if err != nil {
		return false, unavailable("is active identity", err)
	}
	return ok, nil
}

// AllRoomIDs returns the ids in the all-rooms and direct-rooms sets.
func (s *Store) AllRoomIDs(ctx context.Context) ([]string, error) {
	var out []string
	for _, setKey := range []string{AllRoomsKey, DirectRoomsKey} {
		ids, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, unavailable("all room ids", err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

// RemoveRoomRef drops a room id from the enumeration sets without touching
// any other key. The cleanup engine uses this to reclaim references whose
// room record has expired.
func (s *Store) RemoveRoomRef(ctx context.Context, roomID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, AllRoomsKey, roomID)
	pipe.SRem(ctx, DirectRoomsKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("remove room ref", err)
	}
	return nil
}
