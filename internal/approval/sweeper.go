package approval

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"AgentBounty/pkg/logger"
)

// Sweeper expires stale approvals on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
	svc  *Service
}

// NewSweeper schedules svc.Sweep. schedule accepts five-field cron
// expressions and descriptors such as "@every 1m".
func NewSweeper(svc *Service, schedule string) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	s := &Sweeper{cron: c, svc: svc}
	if _, err := c.AddFunc(schedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) runOnce() {
	expired, err := s.svc.Sweep(context.Background())
	if err != nil {
		logger.L().Error("approval sweep failed", slog.Any("error", err))
		return
	}
	if expired > 0 {
		logger.L().Info("expired stale approvals", slog.Int("count", expired))
	}
}

// Run starts the schedule and blocks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
