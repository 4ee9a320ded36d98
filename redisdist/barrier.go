// Package redisdist lets the participants of a trial
// agree on ops through a shared Redis server.
package redisdist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unixpickle/trialsearch/searcher"
)

// Config configures a Redis connection for a Barrier.
type Config struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`

	// Prefix namespaces all keys. It should be unique to
	// the allocation, since every run of the protocol starts
	// at round zero.
	Prefix string `yaml:"prefix" env:"PREFIX"`

	// TTL is set on every key, so abandoned rounds are
	// eventually cleaned up.
	TTL time.Duration `yaml:"ttl" env:"TTL"`

	// PollTimeout bounds each blocking pop, after which the
	// context is checked again.
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// DefaultConfig returns the configuration used for any
// unset fields.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Prefix:      "trialsearch",
		TTL:         time.Hour,
		PollTimeout: time.Second,
	}
}

// A Barrier is one participant's endpoint of a broadcast
// barrier backed by Redis lists. It implements
// searcher.Distributed.
//
// Each round uses its own keys. Workers push their rank
// onto the round's arrival list and then block on a
// per-rank value list. The chief pops one arrival per
// worker before pushing its result to every worker.
type Barrier struct {
	client *redis.Client
	cfg    Config
	rank   int
	size   int
	round  int
	logger *zap.Logger
}

// Dial connects to Redis and creates a Barrier for the
// participant with the given rank.
func Dial(ctx context.Context, cfg Config, rank, size int, logger *zap.Logger) (*Barrier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisdist: failed to connect to redis: %w", err)
	}
	b, err := New(client, cfg, rank, size, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// New creates a Barrier on top of an existing client.
func New(client *redis.Client, cfg Config, rank, size int, logger *zap.Logger) (*Barrier, error) {
	if size < 1 {
		return nil, fmt.Errorf("redisdist: invalid size %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("redisdist: rank %d out of range for size %d", rank, size)
	}
	defaults := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.PollTimeout < time.Second {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Barrier{
		client: client,
		cfg:    cfg,
		rank:   rank,
		size:   size,
		logger: logger.With(zap.String("component", "redisdist"), zap.Int("rank", rank)),
	}, nil
}

// Rank returns the participant's rank. Rank 0 is the
// chief.
func (b *Barrier) Rank() int {
	return b.rank
}

// Size returns the number of participants.
func (b *Barrier) Size() int {
	return b.size
}

// Round returns the number of finished broadcasts.
func (b *Barrier) Round() int {
	return b.round
}

// Close closes the underlying client.
func (b *Barrier) Close() error {
	return b.client.Close()
}

// Broadcast runs one round of the barrier. The chief's
// descriptor is returned to every participant.
func (b *Barrier) Broadcast(ctx context.Context, d searcher.Descriptor) (searcher.Descriptor, error) {
	if b.rank != 0 {
		res, err := b.arrive(ctx, nil)
		if err != nil {
			return searcher.Descriptor{}, err
		}
		b.round++
		return searcher.Descriptor{Length: res.Length, Done: res.Done}, nil
	}
	if _, err := b.gather(ctx); err != nil {
		return d, err
	}
	if err := b.release(ctx, wireRelease{Length: d.Length, Done: d.Done}); err != nil {
		return d, err
	}
	b.logger.Debug("released barrier",
		zap.Int("round", b.round),
		zap.Uint64("length", d.Length),
		zap.Bool("done", d.Done),
	)
	b.round++
	return d, nil
}

// Allreduce sums a vector across all participants, as a
// barrier round of its own.
func (b *Barrier) Allreduce(ctx context.Context, data []float64) ([]float64, error) {
	if b.rank != 0 {
		res, err := b.arrive(ctx, data)
		if err != nil {
			return nil, err
		}
		b.round++
		return res.Values, nil
	}
	arrivals, err := b.gather(ctx)
	if err != nil {
		return nil, err
	}
	sum := append([]float64{}, data...)
	for _, arrival := range arrivals {
		if len(arrival.Values) != len(sum) {
			return nil, fmt.Errorf("redisdist: rank %d sent %d values in round %d, expected %d",
				arrival.Rank, len(arrival.Values), b.round, len(sum))
		}
		for i, x := range arrival.Values {
			sum[i] += x
		}
	}
	if err := b.release(ctx, wireRelease{Values: sum}); err != nil {
		return nil, err
	}
	b.round++
	return sum, nil
}

// gather pops one arrival per worker on the chief.
func (b *Barrier) gather(ctx context.Context) ([]wireArrival, error) {
	arrived := map[int]bool{}
	arrivals := make([]wireArrival, 0, b.size-1)
	for len(arrived) < b.size-1 {
		value, err := b.pop(ctx, b.arrivalKey())
		if err != nil {
			return nil, err
		}
		var arrival wireArrival
		err = json.Unmarshal([]byte(value), &arrival)
		if err != nil || arrival.Rank <= 0 || arrival.Rank >= b.size || arrived[arrival.Rank] {
			return nil, fmt.Errorf("redisdist: unexpected arrival %q in round %d", value, b.round)
		}
		arrived[arrival.Rank] = true
		arrivals = append(arrivals, arrival)
	}
	return arrivals, nil
}

// release pushes the chief's result to every worker.
func (b *Barrier) release(ctx context.Context, res wireRelease) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	for rank := 1; rank < b.size; rank++ {
		key := b.valueKey(rank)
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, b.cfg.TTL)
	}
	pipe.Del(ctx, b.arrivalKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisdist: release round %d: %w", b.round, err)
	}
	return nil
}

// arrive announces a worker and waits for the release.
func (b *Barrier) arrive(ctx context.Context, values []float64) (*wireRelease, error) {
	data, err := json.Marshal(wireArrival{Rank: b.rank, Values: values})
	if err != nil {
		return nil, err
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.arrivalKey(), data)
	pipe.Expire(ctx, b.arrivalKey(), b.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisdist: arrive in round %d: %w", b.round, err)
	}

	value, err := b.pop(ctx, b.valueKey(b.rank))
	if err != nil {
		return nil, err
	}
	var res wireRelease
	if err := json.Unmarshal([]byte(value), &res); err != nil {
		return nil, fmt.Errorf("redisdist: decode round %d: %w", b.round, err)
	}
	return &res, nil
}

// pop blocks until an element is available on the list,
// checking ctx at least once per poll timeout.
func (b *Barrier) pop(ctx context.Context, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := b.client.BLPop(ctx, b.cfg.PollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("redisdist: pop %s: %w", key, err)
		}
		// The result is the key followed by the value.
		return res[1], nil
	}
}

func (b *Barrier) arrivalKey() string {
	return fmt.Sprintf("%s:%d:arrive", b.cfg.Prefix, b.round)
}

func (b *Barrier) valueKey(rank int) string {
	return fmt.Sprintf("%s:%d:value:%d", b.cfg.Prefix, b.round, rank)
}

type wireArrival struct {
	Rank   int       `json:"rank"`
	Values []float64 `json:"values,omitempty"`
}

type wireRelease struct {
	Length uint64    `json:"length,omitempty"`
	Done   bool      `json:"done,omitempty"`
	Values []float64 `json:"values,omitempty"`
}
