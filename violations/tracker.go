// Package violations tracks denied admissions per identifier and escalates
// repeat offenders into a temporary block.
//
// Two keys exist per identifier. The violation log is a sorted set of denial
// timestamps pruned to the trailing window on every write. The block key is a
// presence flag whose TTL is the block duration. Both expire on their own;
// Clear is the only path that removes them early.
package violations

import (
	"context"
	"strconv"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TTL replies for keys without a remaining lifetime.
const (
	ttlKeyMissing = time.Duration(-2)
	ttlNoExpiry   = time.Duration(-1)
)

// Settings controls escalation.
type Settings struct {
	// Threshold is the number of denials inside Window that triggers a block.
	Threshold     int64
	Window        time.Duration
	BlockDuration time.Duration
	// TTLBuffer is added to Window for the violation log expiry.
	TTLBuffer time.Duration
}

// Violation is the outcome of recording one denial.
type Violation struct {
	// Count is the number of denials in the window, this one included.
	Count   int64
	Blocked bool
	// NewlyBlocked is set only for the denial that created the block.
	NewlyBlocked bool
}

// Status is a read-only view of an identifier's escalation state.
type Status struct {
	Violations int64
	Blocked    bool
	BlockTTL   time.Duration
}

type Option func(*Tracker)

// WithKeys sets the key builder.
func WithKeys(keys api_bouncer.Keys) Option {
	return func(t *Tracker) { t.keys = keys }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// Tracker is the violation and block state machine.
type Tracker struct {
	provider store.Provider
	settings Settings
	keys     api_bouncer.Keys
	now      func() time.Time
	logger   *zap.Logger
}

// NewTracker returns a tracker backed by provider.
func NewTracker(provider store.Provider, settings Settings, opts ...Option) *Tracker {
	t := &Tracker{
		provider: provider,
		settings: settings,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Settings returns the escalation settings.
func (t *Tracker) Settings() Settings {
	return t.settings
}

// IsBlocked reports whether a block key exists for identifier.
func (t *Tracker) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	client, err := t.provider.Client()
	if err != nil {
		return false, err
	}

	key := t.keys.Blocked(identifier)
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, &api_bouncer.StoreError{Op: "check block", Key: key, Err: err}
	}
	return n > 0, nil
}

// RecordViolation logs one denial and blocks the identifier once the
// post-insert count reaches the threshold. An existing block is left as is,
// its first TTL governs release.
func (t *Tracker) RecordViolation(ctx context.Context, identifier string) (Violation, error) {
	client, err := t.provider.Client()
	if err != nil {
		return Violation{}, err
	}

	now := t.now()
	key := t.keys.Violations(identifier)
	score := api_bouncer.UnixSeconds(now)
	windowStart := score - t.settings.Window.Seconds()
	member := api_bouncer.FormatScore(score) + "-" + uuid.NewString()

	var count *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+api_bouncer.FormatScore(windowStart))
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		count = p.ZCard(ctx, key)
		p.Expire(ctx, key, t.settings.Window+t.settings.TTLBuffer)
		return nil
	})
	if err != nil {
		return Violation{}, &api_bouncer.StoreError{Op: "record violation", Key: key, Err: err}
	}

	v := Violation{Count: count.Val()}
	if v.Count < t.settings.Threshold {
		return v, nil
	}

	blockedKey := t.keys.Blocked(identifier)
	created, err := client.SetNX(ctx, blockedKey, strconv.FormatInt(now.Unix(), 10), t.settings.BlockDuration).Result()
	if err != nil {
		return v, &api_bouncer.StoreError{Op: "set block", Key: blockedKey, Err: err}
	}

	v.Blocked = true
	v.NewlyBlocked = created
	if created {
		t.logger.Warn("identifier blocked",
			zap.String("identifier", identifier),
			zap.Int64("violations", v.Count),
			zap.Duration("block_duration", t.settings.BlockDuration),
		)
	}
	return v, nil
}

// Status returns the violation count inside the window and the remaining
// block lifetime without modifying anything.
func (t *Tracker) Status(ctx context.Context, identifier string) (Status, error) {
	client, err := t.provider.Client()
	if err != nil {
		return Status{}, err
	}

	now := t.now()
	key := t.keys.Violations(identifier)
	windowStart := api_bouncer.UnixSeconds(now) - t.settings.Window.Seconds()

	count, err := client.ZCount(ctx, key, api_bouncer.FormatScore(windowStart), "+inf").Result()
	if err != nil {
		return Status{}, &api_bouncer.StoreError{Op: "count violations", Key: key, Err: err}
	}

	blockedKey := t.keys.Blocked(identifier)
	ttl, err := client.TTL(ctx, blockedKey).Result()
	if err != nil {
		return Status{}, &api_bouncer.StoreError{Op: "read block ttl", Key: blockedKey, Err: err}
	}

	s := Status{Violations: count}
	switch ttl {
	case ttlKeyMissing:
	case ttlNoExpiry:
		s.Blocked = true
	default:
		s.Blocked = true
		s.BlockTTL = ttl
	}
	return s, nil
}

// Clear deletes the violation log and the block for identifier.
func (t *Tracker) Clear(ctx context.Context, identifier string) error {
	client, err := t.provider.Client()
	if err != nil {
		return err
	}

	// one key per call, the two keys may live in different cluster slots
	for _, key := range []string{t.keys.Blocked(identifier), t.keys.Violations(identifier)} {
		if err := client.Del(ctx, key).Err(); err != nil {
			return &api_bouncer.StoreError{Op: "clear", Key: key, Err: err}
		}
	}

	t.logger.Info("identifier unblocked", zap.String("identifier", identifier))
	return nil
}
