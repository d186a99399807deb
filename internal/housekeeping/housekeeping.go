// Package housekeeping runs periodic snapshot maintenance for the
// projection engine on a cron schedule, independent of the request path.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mcarvalho21/mdmplatform/internal/snapshot"
	"github.com/mcarvalho21/mdmplatform/pkg/logger"
)

// DefaultSchedule snapshots every registered projection once an hour, on
// the hour.
const DefaultSchedule = "0 * * * *"

// Scheduler runs CreateSnapshot for a fixed set of projection types on a
// cron schedule.
type Scheduler struct {
	cron            *cron.Cron
	snapshots       *snapshot.Service
	projectionTypes []string
	log             *logger.Logger
	timeout         time.Duration
}

// New creates a Scheduler for projectionTypes, unstarted.
func New(snapshots *snapshot.Service, projectionTypes []string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("housekeeping")
	}
	return &Scheduler{
		cron:            cron.New(),
		snapshots:       snapshots,
		projectionTypes: projectionTypes,
		log:             log,
		timeout:         30 * time.Second,
	}
}

// Start registers the snapshot job on schedule and begins running it in
// the background. Returns an error if schedule is not a valid cron
// expression.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, projectionType := range s.projectionTypes {
		if _, err := s.snapshots.CreateSnapshot(ctx, projectionType); err != nil {
			s.log.WithField("projection_type", projectionType).WithField("error", err).Warn("scheduled snapshot failed")
			continue
		}
		s.log.WithField("projection_type", projectionType).Info("scheduled snapshot created")
	}
}
