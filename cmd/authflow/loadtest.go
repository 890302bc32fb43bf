package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/jwt"
	promexport "github.com/MrEthical07/authflow/metrics/export/prometheus"
	"github.com/MrEthical07/authflow/store/redisstore"
)

const loadtestPassword = "loadtest-password-1"

type loadtestOptions struct {
	users       int
	concurrency int
	ops         int
	redisAddr   string
	prefix      string
	metricsAddr string
}

type userState struct {
	mu   sync.Mutex
	pair *authflow.TokenPair
}

// NewLoadtestCmd creates the loadtest subcommand.
func NewLoadtestCmd(root *rootOptions) *cobra.Command {
	opts := &loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Measure Authenticate and Refresh throughput",
		Long: `Seed users, sign each in once, then run an Authenticate phase and a
Refresh phase against Redis. Without --redis-addr an in-process miniredis
is used. Password hashing runs at the minimum cost since it is not measured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.users <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
				return oops.Code("CONFIG_INVALID").Errorf("users, concurrency, and ops must be > 0")
			}
			logger, err := root.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runLoadtest(cmd.Context(), cmd.OutOrStdout(), logger, opts)
		},
	}
	cmd.Flags().IntVar(&opts.users, "users", 50, "number of users to seed")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 64, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.ops, "ops", 20000, "operations per phase")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "redis address; miniredis when empty")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "lt", "redis key prefix")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func runLoadtest(ctx context.Context, out io.Writer, logger *zap.Logger, opts *loadtestOptions) error {
	client, cleanup, err := loadtestRedis(opts.redisAddr, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := loadtestEngine(client, opts.prefix, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(engine, opts.metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	users := make([]userState, opts.users)
	logger.Info("seeding users", zap.Int("users", opts.users))
	seedStart := time.Now()
	for i := range users {
		email := fmt.Sprintf("user-%d@loadtest.invalid", i)
		if _, err := engine.Register(ctx, email, loadtestPassword); err != nil && !errors.Is(err, authflow.ErrAccountExists) {
			return oops.Code("SEED_FAILED").With("email", email).Wrap(err)
		}
		res, err := engine.SignIn(ctx, email, loadtestPassword)
		if err != nil {
			return oops.Code("SEED_FAILED").With("email", email).Wrap(err)
		}
		if !res.Complete() {
			return oops.Code("SEED_FAILED").With("email", email).Errorf("seeded user requires mfa")
		}
		users[i].pair = res.Tokens
	}
	logger.Info("seeded", zap.Duration("took", time.Since(seedStart).Round(time.Millisecond)))

	authStats := runPhase(opts.ops, opts.concurrency, 7919, func(r *rand.Rand) error {
		u := &users[r.Intn(len(users))]
		u.mu.Lock()
		token := u.pair.AccessToken
		u.mu.Unlock()
		_, err := engine.Authenticate(ctx, token)
		return err
	})
	refreshStats := runPhase(opts.ops, opts.concurrency, 6151, func(r *rand.Rand) error {
		u := &users[r.Intn(len(users))]
		u.mu.Lock()
		defer u.mu.Unlock()
		next, err := engine.Refresh(ctx, u.pair.RefreshToken)
		if err != nil {
			return err
		}
		u.pair = next
		return nil
	})

	fmt.Fprintln(out, "---- results ----")
	printStats(out, "authenticate", authStats)
	printStats(out, "refresh", refreshStats)
	snap := engine.MetricsSnapshot()
	fmt.Fprintf(out, "reuse_detected=%d ceiling_reached=%d\n",
		snap.Counters[authflow.MetricRefreshReuseDetected],
		snap.Counters[authflow.MetricRefreshCeilingReached],
	)
	return nil
}

func loadtestRedis(addr string, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		logger.Info("using redis", zap.String("addr", addr))
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, oops.Code("MINIREDIS_FAILED").Wrap(err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	logger.Info("using miniredis", zap.String("addr", mr.Addr()))
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func loadtestEngine(client redis.UniversalClient, prefix string, logger *zap.Logger) (*authflow.Engine, error) {
	cfg, err := authflow.ConfigFromEnv()
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if len(cfg.JWT.PrivateKey) == 0 {
		key, err := jwt.GenerateEd25519("loadtest")
		if err != nil {
			return nil, err
		}
		cfg.JWT.SigningMethod = string(jwt.MethodEd25519)
		cfg.JWT.KeyID = key.ID
		cfg.JWT.PrivateKey = key.Private
		cfg.JWT.PublicKey = key.Public
	}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	// Rotation chains in a long run exceed the default ceiling.
	cfg.Tokens.MaxGeneration = 1 << 30

	engine, err := authflow.New().
		WithConfig(cfg).
		WithStore(redisstore.New(client, prefix)).
		WithLogger(logger).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return nil, oops.Code("ENGINE_BUILD_FAILED").Wrap(err)
	}
	return engine, nil
}

func serveMetrics(engine *authflow.Engine, addr string, logger *zap.Logger) (func(), error) {
	exp, err := promexport.NewExporter(engine)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", exp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
