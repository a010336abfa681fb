// internal/settlement/poller.go
package settlement

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"go.uber.org/zap"
)

const DefaultPollSchedule = "@every 15s"

// Poller advances settlements the network has not finished yet. It replaces
// delayed callbacks with scheduled jobs that can be stopped and observed.
type Poller struct {
	orchestrator *Orchestrator
	ledger       *ledger.Ledger
	cron         *cron.Cron
	jobTimeout   time.Duration
	logger       *zap.Logger
}

func NewPoller(o *Orchestrator, l *ledger.Ledger, jobTimeout time.Duration, logger *zap.Logger) *Poller {
	logger = logger.Named("settlement-poller")
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	cl := cronLogger{logger.Sugar()}
	return &Poller{
		orchestrator: o,
		ledger:       l,
		cron:         cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		jobTimeout:   jobTimeout,
		logger:       logger,
	}
}

// Schedule registers an extra job on the poller's scheduler.
func (p *Poller) Schedule(name, spec string, job func(ctx context.Context) error) error {
	_, err := p.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
		defer cancel()

		if err := job(ctx); err != nil {
			p.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	return err
}

// Start registers the refresh job with spec and starts the scheduler.
func (p *Poller) Start(spec string) error {
	if spec == "" {
		spec = DefaultPollSchedule
	}
	if err := p.Schedule("settlement-refresh", spec, func(ctx context.Context) error {
		p.RefreshPending(ctx)
		return nil
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("Settlement poller started", zap.String("schedule", spec))
	return nil
}

// RefreshPending polls every ledger record whose advanced settlement is not final.
// It returns the number of records whose status changed.
func (p *Poller) RefreshPending(ctx context.Context) int {
	pending := p.ledger.PendingSettlements()
	if len(pending) == 0 {
		return 0
	}

	changed := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		att, err := p.orchestrator.Refresh(ctx, rec.Signature)
		if err != nil {
			p.logger.Warn("Settlement refresh failed",
				zap.String("signature", rec.Signature),
				zap.Error(err))
			continue
		}
		if att.Status != rec.SettlementStatus {
			changed++
		}
	}
	p.logger.Debug("Pending settlements refreshed",
		zap.Int("pending", len(pending)),
		zap.Int("changed", changed))
	return changed
}

// Stop waits for running jobs to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("Settlement poller stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
