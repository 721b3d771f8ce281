// Package pow implements a Redis-backed proof-of-work gate. Challenges are
// issued per identity and verified by hashing the challenge seed together with
// a client-supplied nonce; solutions are accepted when the hash carries the
// required number of leading zero hex digits. A solved challenge is deleted so
// it cannot be replayed.
package pow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// ChallengePrefix is the key prefix for stored challenges.
	ChallengePrefix = "pow:"

	// ClearancePrefix marks identities that recently solved a challenge.
	ClearancePrefix = "pow_clear:"

	// DefaultTTL is how long an issued challenge stays solvable.
	DefaultTTL = 5 * time.Minute

	// ClearanceTTL is how long a successful verification grants send
	// clearance when enforcement is on.
	ClearanceTTL = 5 * time.Minute

	// DefaultDifficulty is the baseline number of leading zero hex digits.
	DefaultDifficulty = 4

	minAdaptiveDifficulty = 2
	maxAdaptiveDifficulty = 6

	seedBytes = 32
)

var (
	// ErrNotFound is returned when a challenge id is unknown, already
	// consumed, or swept.
	ErrNotFound = errors.New("pow: challenge not found")

	// ErrExpired is returned when a challenge is past its expiry.
	ErrExpired = errors.New("pow: challenge expired")

	// ErrOwnerMismatch is returned when the verifying identity does not own
	// the challenge.
	ErrOwnerMismatch = errors.New("pow: challenge owned by another identity")

	// ErrBadSolution is returned when the nonce does not meet the difficulty
	// target.
	ErrBadSolution = errors.New("pow: solution does not meet difficulty")
)

// Challenge is the stored record for one issued puzzle.
type Challenge struct {
	ID         string `json:"challenge_id"`
	GhostID    string `json:"ghost_id"`
	Seed       string `json:"random_data"`
	Difficulty int    `json:"difficulty"`
	IssuedAt   int64  `json:"timestamp"`
	ExpiresAt  int64  `json:"expires_at"`
	Adaptive   bool   `json:"adaptive,omitempty"`
}

// Target returns the required hash prefix, e.g. "0000" for difficulty 4.
func (c *Challenge) Target() string {
	return strings.Repeat("0", c.Difficulty)
}

// ExpiresIn reports the remaining solvable window in whole seconds.
func (c *Challenge) ExpiresIn(now time.Time) int64 {
	remaining := c.ExpiresAt - now.Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Gate issues and verifies proof-of-work challenges against Redis. Challenges
// are written without a Redis expiry so that verification sees a definitive
// expired-vs-unknown distinction; the sweep loop reclaims stale entries.
type Gate struct {
	rdb        *redis.Client
	difficulty int
	ttl        time.Duration
}

// NewGate creates a Gate with the given baseline difficulty. Difficulty
// outside 1..8 falls back to the default.
func NewGate(rdb *redis.Client, difficulty int) *Gate {
	if difficulty < 1 || difficulty > 8 {
		log.Printf("[pow] difficulty %d out of range, using %d", difficulty, DefaultDifficulty)
		difficulty = DefaultDifficulty
	}
	return &Gate{rdb: rdb, difficulty: difficulty, ttl: DefaultTTL}
}

// Difficulty returns the current baseline difficulty.
func (g *Gate) Difficulty() int {
	return g.difficulty
}

// SetTTL overrides the challenge lifetime. Used by tests.
func (g *Gate) SetTTL(ttl time.Duration) {
	g.ttl = ttl
}

// IssueChallenge generates and stores a challenge at the baseline difficulty.
func (g *Gate) IssueChallenge(ctx context.Context, ghostID string) (*Challenge, error) {
	return g.issue(ctx, ghostID, g.difficulty, false)
}

// IssueAdaptiveChallenge scales difficulty with the identity's recent
// activity: busy identities face harder puzzles, idle ones easier, clamped to
// a fixed range.
func (g *Gate) IssueAdaptiveChallenge(ctx context.Context, ghostID string, recentActivity int) (*Challenge, error) {
	difficulty := g.difficulty
	switch {
	case recentActivity > 10:
		difficulty = min(g.difficulty+1, maxAdaptiveDifficulty)
	case recentActivity > 5:
		difficulty = g.difficulty
	default:
		difficulty = max(g.difficulty-1, minAdaptiveDifficulty)
	}
	return g.issue(ctx, ghostID, difficulty, true)
}

func (g *Gate) issue(ctx context.Context, ghostID string, difficulty int, adaptive bool) (*Challenge, error) {
	seed := make([]byte, seedBytes)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("pow: generate seed: %w", err)
	}

	now := time.Now()
	ch := &Challenge{
		ID:         uuid.NewString(),
		GhostID:    ghostID,
		Seed:       hex.EncodeToString(seed),
		Difficulty: difficulty,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(g.ttl).Unix(),
		Adaptive:   adaptive,
	}

	body, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("pow: marshal challenge: %w", err)
	}
	if err := g.rdb.Set(ctx, ChallengePrefix+ch.ID, body, 0).Err(); err != nil {
		return nil, fmt.Errorf("pow: store challenge: %w", err)
	}

	log.Printf("[pow] issued challenge=%s ghost=%s difficulty=%d adaptive=%t",
		ch.ID, ghostID, difficulty, adaptive)
	return ch, nil
}

// Verify checks a solution. It returns nil when the nonce solves the
// challenge; on success the challenge is consumed and the identity receives a
// clearance lease. Rejections return one of the package sentinel errors.
func (g *Gate) Verify(ctx context.Context, ghostID, challengeID, nonce string) error {
	key := ChallengePrefix + challengeID

	body, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		log.Printf("[pow] challenge=%s not found ghost=%s", challengeID, ghostID)
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pow: read challenge: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(body), &ch); err != nil {
		return fmt.Errorf("pow: decode challenge %s: %w", challengeID, err)
	}

	if ch.GhostID != ghostID {
		log.Printf("[pow] challenge=%s owner mismatch ghost=%s", challengeID, ghostID)
		return ErrOwnerMismatch
	}

	if time.Now().Unix() > ch.ExpiresAt {
		g.rdb.Del(ctx, key)
		log.Printf("[pow] challenge=%s expired ghost=%s", challengeID, ghostID)
		return ErrExpired
	}

	if !Solves(ch.Seed, nonce, ch.Difficulty) {
		log.Printf("[pow] challenge=%s invalid solution ghost=%s", challengeID, ghostID)
		return ErrBadSolution
	}

	// Consume the challenge and grant send clearance.
	pipe := g.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.Set(ctx, ClearancePrefix+ghostID, time.Now().Unix(), ClearanceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pow: consume challenge: %w", err)
	}

	log.Printf("[pow] challenge=%s solved ghost=%s difficulty=%d", challengeID, ghostID, ch.Difficulty)
	return nil
}

// HasClearance reports whether the identity holds a live clearance lease.
func (g *Gate) HasClearance(ctx context.Context, ghostID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, ClearancePrefix+ghostID).Result()
	if err != nil {
		return false, fmt.Errorf("pow: read clearance: %w", err)
	}
	return n > 0, nil
}

// Solves reports whether sha256(seed + nonce) starts with difficulty zero hex
// digits.
func Solves(seed, nonce string, difficulty int) bool {
	sum := sha256.Sum256([]byte(seed + nonce))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}

// Stats summarizes the outstanding challenge population.
type Stats struct {
	Active     int `json:"active_challenges"`
	Expired    int `json:"expired_challenges"`
	Difficulty int `json:"difficulty"`
	TTLSeconds int `json:"ttl_seconds"`
}

// ChallengeStats scans stored challenges and counts live vs expired ones.
func (g *Gate) ChallengeStats(ctx context.Context) (*Stats, error) {
	now := time.Now().Unix()
	stats := &Stats{Difficulty: g.difficulty, TTLSeconds: int(g.ttl.Seconds())}

	iter := g.rdb.Scan(ctx, 0, ChallengePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		body, err := g.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var ch Challenge
		if json.Unmarshal([]byte(body), &ch) != nil {
			continue
		}
		if ch.ExpiresAt > now {
			stats.Active++
		} else {
			stats.Expired++
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("pow: scan challenges: %w", err)
	}
	return stats, nil
}

// SweepExpired removes challenges past their expiry. Returns the number
// removed.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	removed := 0

	iter := g.rdb.Scan(ctx, 0, ChallengePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		body, err := g.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var ch Challenge
		if json.Unmarshal([]byte(body), &ch) != nil || ch.ExpiresAt <= now {
			if g.rdb.Del(ctx, key).Err() == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("pow: sweep challenges: %w", err)
	}
	return removed, nil
}

// StartSweep runs SweepExpired on the given interval until ctx is cancelled.
func (g *Gate) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[pow] sweep loop stopped")
			return
		case <-ticker.C:
			removed, err := g.SweepExpired(ctx)
			if err != nil {
				log.Printf("[pow] sweep error: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[pow] swept %d expired challenges", removed)
			}
		}
	}
}
