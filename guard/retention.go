package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultRetentionSchedule = "@every 10m"

// RetentionSweeper prunes resolved approval records older than Keep on a
// cron schedule. Pending records are never pruned.
type RetentionSweeper struct {
	store ApprovalStore
	keep  time.Duration
	log   *slog.Logger
	now   func() time.Time

	cron *cron.Cron
}

func NewRetentionSweeper(store ApprovalStore, keep time.Duration, schedule string, log *slog.Logger) (*RetentionSweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("nil approval store")
	}
	if keep <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", keep)
	}
	if log == nil {
		log = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	s := &RetentionSweeper{
		store: store,
		keep:  keep,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		cron:  cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Warn("approval_retention_error", "error", err.Error())
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *RetentionSweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.Prune(ctx, s.now().Add(-s.keep))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("approval_retention_pruned", "count", n, "keep", s.keep.String())
	}
	return n, nil
}
