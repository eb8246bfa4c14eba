// Package app wires the configured stores, channels and generator into an engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"steward/internal/budget"
	"steward/internal/channel"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/generator"
	"steward/internal/ledger"
	"steward/internal/metrics"
	"steward/internal/migrate"
	"steward/internal/repo"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Clock     clockwork.Clock
}

// Services is everything a running process holds on to.
type Services struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Collector
	Logger  *zap.Logger

	closers []func() error
}

func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bootstrap opens and migrates the workspace database, then builds the ledger,
// governor, channels and generator named in config.
func Bootstrap(ctx context.Context, opts Options) (*Services, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Services{DB: conn, Config: cfg, Logger: logger, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.Metrics = metrics.NewCollector("steward", logger)

	store, err := openLedgerStore(ctx, cfg.Ledger, repo.Repo{DB: conn}, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	l := ledger.New(store, cfg.Pricing(), ledger.Options{Clock: clock, Logger: logger, Metrics: s.Metrics})
	if err := l.Refresh(ctx); err != nil {
		logger.Warn("ledger warm-up failed, counters load lazily", zap.Error(err))
	}
	gov := budget.NewGovernor(l, engine.BudgetCaps(cfg), budget.Options{Clock: clock, Logger: logger, Metrics: s.Metrics})

	channels, err := BuildChannels(cfg, opts.Workspace, gov, l, clock, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var gen generator.Generator = generator.None{}
	if cfg.Generator.URL != "" {
		h, err := generator.NewHTTP(cfg.Generator.URL, cfg.Generator.Timeout, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		gen = h
	}

	s.Engine = engine.New(conn, cfg, engine.Options{
		Clock:     clock,
		Logger:    logger,
		Metrics:   s.Metrics,
		Ledger:    l,
		Governor:  gov,
		Channels:  channels,
		Generator: gen,
	})
	return s, nil
}

func openLedgerStore(ctx context.Context, cfg config.LedgerConfig, r repo.Repo, s *Services) (ledger.Store, error) {
	switch cfg.Store {
	case "", "sqlite":
		return ledger.SQLStore{Repo: r}, nil
	case "redis":
		rs, err := ledger.NewRedisStore(ctx, ledger.RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, KeyPrefix: cfg.KeyPrefix})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rs.Close)
		return rs, nil
	}
	return nil, fmt.Errorf("unknown ledger store %q", cfg.Store)
}

// BuildChannels maps every configured delivery kind to its driver. Kinds without a
// configured driver fall back to the log channel. A channel bound to a budget service
// is wrapped so the governor is asked first and the ledger charged after.
func BuildChannels(cfg *config.Config, workspace string, gov channel.Allower, rec channel.Recorder, clock clockwork.Clock, logger *zap.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	logCh := channel.NewLog(logger)
	locks := channel.NewServiceLocks()
	kinds := make([]string, 0, len(domain.ActionTypes)+1)
	for _, t := range domain.ActionTypes {
		kinds = append(kinds, string(t))
	}
	kinds = append(kinds, channel.KindApprovalRequest)

	for _, kind := range kinds {
		cc, ok := cfg.Channels[kind]
		if !ok {
			reg.Register(kind, logCh)
			continue
		}
		timeout := time.Duration(cc.TimeoutSeconds) * time.Second
		var ch channel.Channel
		switch cc.Driver {
		case "log":
			ch = logCh
		case "webhook":
			ch = channel.NewWebhook(channel.WebhookConfig{
				URL:           cc.URL,
				Secret:        cc.Secret,
				Timeout:       timeout,
				RatePerSecond: cc.RatePerSecond,
			}, clock)
		case "speech":
			out := cc.OutputDir
			if out == "" {
				out = filepath.Join(workspace, ".steward", "audio")
			}
			ch = channel.NewSpeech(channel.SpeechConfig{
				Region:        cc.Region,
				VoiceID:       cc.VoiceID,
				Engine:        cc.Engine,
				Timeout:       timeout,
				OutputDir:     out,
				RatePerSecond: cc.RatePerSecond,
			})
		default:
			return nil, fmt.Errorf("channel %s: unknown driver %q", kind, cc.Driver)
		}
		if cc.Service != "" {
			ch = &channel.Metered{
				Next:     ch,
				Service:  cc.Service,
				Units:    cc.Units,
				Governor: gov,
				Ledger:   rec,
				Locks:    locks,
				Logger:   logger.With(zap.String("component", "channel"), zap.String("kind", kind)),
			}
		}
		reg.Register(kind, ch)
	}
	return reg, nil
}
