package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/quailyquaily/airlock/db"
	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/operator"
	"github.com/quailyquaily/airlock/skills"
	"github.com/spf13/viper"
)

// daemon owns every long-lived component of `airlock serve`.
type daemon struct {
	log *slog.Logger

	gdb       *gorm.DB
	approvals guard.ApprovalStore
	sink      *guard.JSONLAuditSink
	sweeper   *guard.RetentionSweeper

	bus      *guard.Bus
	queue    *guard.Queue
	airlock  *guard.Airlock
	registry *skills.Registry
	server   *operator.Server
}

func newDaemon(ctx context.Context, log *slog.Logger) (*daemon, error) {
	d := &daemon{log: log}
	if err := d.init(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) init(ctx context.Context) error {
	cfg, err := guardConfigFromViper(d.log)
	if err != nil {
		return err
	}

	reg, err := registryFromViper(d.log)
	if err != nil {
		return err
	}
	d.registry = reg

	gdb, err := db.Open(ctx, dbConfigFromViper())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	d.gdb = gdb
	store := guard.NewGormStore(gdb)

	if cfg.Approvals.StoreDSN != "" {
		st, err := guard.NewSQLiteApprovalStore(cfg.Approvals.StoreDSN)
		if err != nil {
			return fmt.Errorf("open approval store: %w", err)
		}
		d.approvals = st
	} else {
		d.approvals = guard.NewMemoryApprovalStore(cfg.Approvals.MaxRetained)
	}

	var sinks []guard.AuditSink
	if path := strings.TrimSpace(cfg.Audit.JSONLPath); path != "" {
		s, err := guard.NewJSONLAuditSink(path, cfg.Audit.RotateMaxBytes)
		if err != nil {
			d.log.Warn("audit_sink_error", "error", err.Error())
		} else {
			d.sink = s
			sinks = append(sinks, s)
		}
	}

	d.bus = guard.NewBus(d.log)
	engine, err := guard.NewPolicyEngine(ctx, guard.PolicyEngineOptions{
		Store:              store,
		Audit:              store,
		Sinks:              sinks,
		Bus:                d.bus,
		Logger:             d.log,
		Initial:            cfg.Policy,
		InitialPermissions: cfg.Permissions,
	})
	if err != nil {
		return err
	}
	d.queue, err = guard.NewQueue(ctx, guard.QueueOptions{
		Timeout: cfg.Approvals.Timeout,
		Store:   d.approvals,
		Bus:     d.bus,
		Logger:  d.log,
	})
	if err != nil {
		return err
	}
	d.airlock, err = guard.New(guard.Options{
		Classifier:   guard.NewClassifier(reg),
		Policy:       engine,
		Queue:        d.queue,
		Redactor:     guard.NewRedactor(cfg.Redaction),
		PreviewBytes: cfg.Display.MaxPayloadBytes,
		Logger:       d.log,
	})
	if err != nil {
		return err
	}

	if cfg.Approvals.Retention > 0 {
		d.sweeper, err = guard.NewRetentionSweeper(d.approvals, cfg.Approvals.Retention, cfg.Approvals.RetentionSchedule, d.log)
		if err != nil {
			return err
		}
	}

	token, err := ownerTokenFromViper(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		d.log.Warn("owner_token_missing", "hint", "set airlock.owner_token to allow resolve and policy writes")
	}
	d.server, err = operator.New(operator.Config{
		Listen:      viper.GetString("server.listen"),
		CORSOrigins: viper.GetStringSlice("server.cors_origins"),
		RateLimit: operator.RateLimitConfig{
			RequestsPerSecond: viper.GetFloat64("server.rate_limit.requests_per_second"),
			Burst:             viper.GetInt("server.rate_limit.burst"),
		},
	}, operator.Deps{
		Airlock:    d.airlock,
		Registry:   reg,
		Bus:        d.bus,
		Authorizer: guard.StaticOwnerAuthorizer{Token: token, Actor: viper.GetString("airlock.owner_actor")},
		Logger:     d.log,
	})
	if err != nil {
		return err
	}

	snap := engine.Snapshot()
	d.log.Info("airlock_ready",
		"tools", len(reg.Tools()),
		"policy_enabled", snap.Tool.Policy.Enabled,
		"policy_mode", snap.Tool.Policy.Mode,
		"policy_version", snap.Tool.Version,
		"approval_timeout", cfg.Approvals.Timeout.String(),
		"approvals_persisted", cfg.Approvals.StoreDSN != "",
		"audit_jsonl", cfg.Audit.JSONLPath,
	)
	return nil
}

// run serves until ctx is done or a component fails.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(gctx)
	})
	if d.sweeper != nil {
		d.sweeper.Start()
		g.Go(func() error {
			<-gctx.Done()
			d.sweeper.Stop()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		// Waiters see expired before the listener goes away.
		d.queue.Close()
		d.bus.Close()
		return nil
	})
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *daemon) close() {
	if d.queue != nil {
		d.queue.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.log.Warn("audit_sink_close_error", "error", err.Error())
		}
	}
	if c, ok := d.approvals.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if d.gdb != nil {
		if sqlDB, err := d.gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
