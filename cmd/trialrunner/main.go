// Command trialrunner runs one participant of a trial,
// training on every op the searcher hands out.
//
// Training is synthetic: each unit of an op's length takes
// a fixed delay, and the searcher metric decays with the
// amount of training done.
//
// Usage:
//
//	trialrunner -config trial.yaml
//	TRIALSEARCH_OPS_DRY_RUN=true trialrunner -train-delay 1ms
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unixpickle/trialsearch/config"
	"github.com/unixpickle/trialsearch/coordinator"
	"github.com/unixpickle/trialsearch/redisdist"
	"github.com/unixpickle/trialsearch/searcher"
)

func main() {
	var configPath string
	var trainDelay time.Duration
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration")
	flag.DurationVar(&trainDelay, "train-delay", 10*time.Millisecond, "time to train one unit of length")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		essentials.Die(err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		essentials.Die(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, trainDelay, logger); err != nil {
		logger.Error("trial failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, trainDelay time.Duration, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dist, err := newDistributed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := dist.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	s, err := newSearcher(cfg, dist, reg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting trial",
		zap.Int("trial_id", cfg.Trial.TrialID),
		zap.Int("rank", s.Rank()),
		zap.Int("size", cfg.Dist.Size),
		zap.String("units", string(s.ConfiguredUnits())),
		zap.Bool("dry_run", cfg.Ops.DryRun),
	)

	g, ctx := errgroup.WithContext(ctx)
	var server *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if server != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
		}
		return train(ctx, s, dist, cfg, trainDelay, logger)
	})
	return g.Wait()
}

func newDistributed(ctx context.Context, cfg *config.Config, logger *zap.Logger) (searcher.Distributed, error) {
	switch cfg.Dist.Backend {
	case config.BackendRedis:
		redisCfg := cfg.Dist.Redis
		if cfg.Trial.AllocationID != "" {
			redisCfg.Prefix += ":" + cfg.Trial.AllocationID
		}
		return redisdist.Dial(ctx, redisCfg, cfg.Dist.Rank, cfg.Dist.Size, logger)
	default:
		return searcher.Solo{}, nil
	}
}

func newSearcher(cfg *config.Config, dist searcher.Distributed, reg prometheus.Registerer,
	logger *zap.Logger) (*searcher.Searcher, error) {
	if cfg.Ops.DryRun {
		return searcher.NewDummy(dist, cfg.Ops.DryRunLength, logger), nil
	}

	units := searcher.Unconfigured
	if cfg.Trial.ExperimentConfig != "" {
		expConfig, err := config.ReadExperimentConfig(cfg.Trial.ExperimentConfig)
		if err != nil {
			return nil, err
		}
		units = searcher.ParseUnits(expConfig)
	}

	client, err := coordinator.NewHTTPClient(cfg.Master, reg, logger)
	if err != nil {
		return nil, err
	}
	return searcher.New(client, dist, searcher.TrialInfo{
		TrialID:      cfg.Trial.TrialID,
		RunID:        cfg.Trial.RunID,
		AllocationID: cfg.Trial.AllocationID,
		Units:        units,
	}, logger), nil
}

// A reducer sums vectors across all participants.
type reducer interface {
	Allreduce(ctx context.Context, data []float64) ([]float64, error)
}

func train(ctx context.Context, s *searcher.Searcher, dist searcher.Distributed, cfg *config.Config,
	trainDelay time.Duration, logger *zap.Logger) error {
	it, err := s.Ops(
		searcher.WithChiefOnly(cfg.Ops.ChiefOnly),
		searcher.WithAutoAck(cfg.Ops.AutoAck),
	)
	if err != nil {
		return err
	}

	limit := rate.Inf
	if cfg.Progress.Rate > 0 {
		limit = rate.Limit(cfg.Progress.Rate)
	}
	throttle := searcher.NewProgressThrottle(limit, cfg.Progress.Burst)

	// Op lengths are absolute, so training resumes where the
	// previous op left off.
	var trained uint64
	for it.Next(ctx) {
		op := it.Op()
		logger.Info("training", zap.Uint64("from", trained), zap.Uint64("to", op.Length()))
		for trained < op.Length() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(trainDelay):
			}
			trained++
			if op.Role() == searcher.Chief {
				if _, err := throttle.Report(ctx, op, float64(trained)); err != nil {
					return err
				}
			}
		}
		metric, err := validate(ctx, dist, cfg, trained)
		if err != nil {
			return err
		}
		if op.Role() == searcher.Chief {
			if err := op.Complete(ctx, metric); err != nil {
				return err
			}
			logger.Info("completed op", zap.Uint64("length", op.Length()), zap.Float64("metric", metric))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	logger.Info("out of ops", zap.Int("rounds", it.Rounds()))
	return nil
}

// validate computes a synthetic validation loss on this
// participant's shard and averages it over all
// participants, so that every participant holds the
// metric the chief reports.
func validate(ctx context.Context, dist searcher.Distributed, cfg *config.Config,
	trained uint64) (float64, error) {
	loss := (1 + 0.01*float64(dist.Rank())) / (1 + float64(trained))
	r, ok := dist.(reducer)
	if !ok || cfg.Ops.ChiefOnly || cfg.Dist.Size == 1 {
		return loss, nil
	}
	sum, err := r.Allreduce(ctx, []float64{loss})
	if err != nil {
		return 0, err
	}
	return sum[0] / float64(cfg.Dist.Size), nil
}
