// Package presence mirrors room attendance into Redis so the request API and
// other server instances can list who is on a note. Entries carry a logical
// expiry: a ZSET score of expireAt seconds, refreshed on join and commit and
// swept periodically.
package presence

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quicknotes/collab/internal/room"
)

const (
	// DefaultTTL is how long an attendee stays listed without a refresh.
	DefaultTTL = 300 * time.Second

	notesKey = "presence:notes" // Set<noteId> with live entries
)

func usersKey(noteID string) string { return "presence:note:" + noteID }
func namesKey(noteID string) string { return "presence:note:names:" + noteID }

// sweepLua removes expired attendees of one note and forgets the note when
// nobody is left.
//
// KEYS[1] = usersKey, KEYS[2] = namesKey, KEYS[3] = notesKey
// ARGV[1] = now (unix seconds), ARGV[2] = note id
const sweepLua = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1], KEYS[2])
	redis.call("SREM", KEYS[3], ARGV[2])
end
return #expired
`

// Mirror is the Redis-backed attendee list.
type Mirror struct {
	rdb   *redis.Client
	ttl   time.Duration
	sweep *redis.Script
	now   func() time.Time
}

// NewMirror creates a Mirror. A non-positive ttl selects DefaultTTL.
func NewMirror(rdb *redis.Client, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mirror{
		rdb:   rdb,
		ttl:   ttl,
		sweep: redis.NewScript(sweepLua),
		now:   time.Now,
	}
}

// Touch lists m on noteID until now+ttl.
func (p *Mirror) Touch(ctx context.Context, noteID string, m room.Member) error {
	expireAt := p.now().Add(p.ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, usersKey(noteID), redis.Z{Score: float64(expireAt), Member: m.UserID})
	tx.HSet(ctx, namesKey(noteID), m.UserID, m.DisplayName)
	tx.Expire(ctx, usersKey(noteID), p.ttl)
	tx.Expire(ctx, namesKey(noteID), p.ttl)
	tx.SAdd(ctx, notesKey, noteID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch: %w", err)
	}
	return nil
}

// Remove drops userID from noteID immediately.
func (p *Mirror) Remove(ctx context.Context, noteID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, usersKey(noteID), userID)
	tx.HDel(ctx, namesKey(noteID), userID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove: %w", err)
	}
	return nil
}

// Active returns the unexpired attendees of noteID.
func (p *Mirror) Active(ctx context.Context, noteID string) ([]room.Member, error) {
	now := p.now().Unix()
	ids, err := p.rdb.ZRangeByScore(ctx, usersKey(noteID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: active: %w", err)
	}
	if len(ids) == 0 {
		return []room.Member{}, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(noteID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: names: %w", err)
	}
	out := make([]room.Member, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		out = append(out, room.Member{UserID: id, DisplayName: name})
	}
	return out, nil
}

// Sweep removes expired attendees across every tracked note and returns how
// many entries were dropped.
func (p *Mirror) Sweep(ctx context.Context) (int, error) {
	noteIDs, err := p.rdb.SMembers(ctx, notesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: sweep: %w", err)
	}
	now := p.now().Unix()
	total := 0
	for _, id := range noteIDs {
		n, err := p.sweep.Run(ctx, p.rdb, []string{usersKey(id), namesKey(id), notesKey}, now, id).Int()
		if err != nil && err != redis.Nil {
			log.Printf("[presence] sweep note=%s: %v", id, err)
			continue
		}
		total += n
	}
	return total, nil
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func StartSweeper(ctx context.Context, p *Mirror, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] sweeper stopped")
			return
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			if err != nil {
				log.Printf("[presence] sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[presence] sweep: removed %d expired attendees", n)
			}
		}
	}
}
