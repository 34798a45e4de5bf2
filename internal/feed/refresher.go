package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"github.com/matrixise/compose-pay/internal/asset"
)

var ErrNotStarted = errors.New("refresher is not started")

// Snapshot is one consistent view of prices and balances. It is replaced
// wholesale on every successful refresh and never mutated.
type Snapshot struct {
	Prices    *asset.PriceSnapshot
	Balances  *asset.BalanceSnapshot // nil when no account is configured
	FetchedAt time.Time
}

// Config holds refresher configuration
type Config struct {
	Interval string         // duration ("30s") or cron expression
	Timezone *time.Location // for cron expressions (default: UTC)
	Account  common.Address // zero means prices only
	Logger   *slog.Logger
	Now      func() time.Time
}

// Refresher keeps the latest snapshot up to date on a gocron schedule
type Refresher struct {
	prices   asset.PriceReader
	balances asset.BalanceReader
	cfg      Config
	logger   *slog.Logger

	current atomic.Pointer[Snapshot]

	mu        sync.RWMutex
	lastErr   error
	lastRunAt time.Time
	scheduler gocron.Scheduler
	job       gocron.Job
}

// NewRefresher creates a refresher; balances may be nil when no account is configured
func NewRefresher(prices asset.PriceReader, balances asset.BalanceReader, cfg Config) (*Refresher, error) {
	if prices == nil {
		return nil, errors.New("price reader is required")
	}
	if err := ValidateInterval(cfg.Interval); err != nil {
		return nil, err
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{prices: prices, balances: balances, cfg: cfg, logger: cfg.Logger}, nil
}

// Snapshot returns the latest successful snapshot, or nil before the first one
func (r *Refresher) Snapshot() *Snapshot {
	return r.current.Load()
}

// LastError returns the error of the most recent refresh, nil when it succeeded
func (r *Refresher) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LastRunAt returns when the most recent refresh finished
func (r *Refresher) LastRunAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRunAt
}

// ExpectedInterval is the nominal period between two refreshes
func (r *Refresher) ExpectedInterval() time.Duration {
	return expectedInterval(r.cfg.Interval)
}

// Refresh runs one fetch cycle. On failure the previous snapshot is kept
// and the error is recorded.
func (r *Refresher) Refresh(ctx context.Context) error {
	snap, err := r.fetch(ctx)

	r.mu.Lock()
	r.lastErr = err
	r.lastRunAt = r.cfg.Now()
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Snapshot refresh failed, keeping previous snapshot", "error", err)
		return err
	}
	r.current.Store(snap)
	r.logger.Debug("Snapshot refreshed", "prices", len(snap.Prices.Prices), "with_balances", snap.Balances != nil)
	return nil
}

func (r *Refresher) fetch(ctx context.Context) (*Snapshot, error) {
	prices, err := r.prices.GetPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	snap := &Snapshot{Prices: prices, FetchedAt: r.cfg.Now().UTC()}
	if r.cfg.Account == (common.Address{}) || r.balances == nil {
		return snap, nil
	}

	balances, err := r.balances.GetBalances(ctx, r.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	snap.Balances = balances
	return snap, nil
}

// Start schedules Refresh and runs it once immediately
func (r *Refresher) Start(ctx context.Context) error {
	def, expr, err := cronDefinition(r.cfg.Interval)
	if err != nil {
		return err
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(r.cfg.Timezone),
		gocron.WithLogger(gocronLogger{logger: r.logger}),
	)
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	job, err := s.NewJob(def,
		gocron.NewTask(func() { _ = r.Refresh(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh job: %w", err)
	}

	r.mu.Lock()
	r.scheduler, r.job = s, job
	r.mu.Unlock()

	s.Start()
	if err := job.RunNow(); err != nil {
		r.logger.Error("Immediate refresh failed", "error", err)
	}

	r.logger.Info("Snapshot refresher started", "schedule", DescribeSchedule(r.cfg.Interval, r.cfg.Timezone), "cron", expr)
	return nil
}

// NextRun returns the next scheduled refresh
func (r *Refresher) NextRun() (time.Time, error) {
	r.mu.RLock()
	job := r.job
	r.mu.RUnlock()
	if job == nil {
		return time.Time{}, ErrNotStarted
	}
	next, err := job.NextRun()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get next run: %w", err)
	}
	return next, nil
}

// Stop shuts the scheduler down
func (r *Refresher) Stop() error {
	r.mu.RLock()
	s := r.scheduler
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	r.logger.Info("Stopping snapshot refresher")
	return s.Shutdown()
}
