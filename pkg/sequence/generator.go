package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"trustwork/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues human readable reference codes.
type Generator interface {
	NextAssignmentCode(ctx context.Context) (string, error)
	NextEscrowReference(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

func (g *RedisGenerator) NextAssignmentCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "ASG")
}

func (g *RedisGenerator) NextEscrowReference(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "ESC")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildSequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
		_ = g.rdb.Expire(ctx, key, endOfDay.Sub(now)).Err()
	}

	return Format(prefix, today, seq), nil
}

// Format renders PREFIX-YYMMDD-SEQ plus two random characters; seq is base36, at least three wide.
func Format(prefix, day string, seq int64) string {
	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encoded) < 3 {
		encoded = strings.Repeat("0", 3-len(encoded)) + encoded
	}

	suffix, _ := randomAlphaNumeric(2)
	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encoded, suffix)
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}

// MemoryGenerator counts in process. Codes are unique per generator only.
type MemoryGenerator struct {
	mu  sync.Mutex
	seq int64
	Now func() time.Time
}

func (g *MemoryGenerator) next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return Format(prefix, now().UTC().Format("060102"), g.seq)
}

func (g *MemoryGenerator) NextAssignmentCode(context.Context) (string, error) {
	return g.next("ASG"), nil
}

func (g *MemoryGenerator) NextEscrowReference(context.Context) (string, error) {
	return g.next("ESC"), nil
}
