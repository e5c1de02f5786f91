package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/token"
	"github.com/crnwallet/guard/internal/trap"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

const syncTimeout = 5 * time.Second

// Result summarizes one maintenance run.
type Result struct {
	Sweep           reputation.SweepResult
	TokensEvicted   int
	TokensCompacted int
	TrapsDropped    int
	MirrorAdopted   int
}

// Scheduler runs the periodic sweep over the reputation store, the token
// manager and the trap collector, and pulls shared blocks from the mirror.
type Scheduler struct {
	cron   *cron.Cron
	store  *reputation.Store
	tokens *token.Manager
	traps  *trap.Collector
	now    func() time.Time
	log    *logrus.Entry
}

// New schedules the sweep on spec. tokens and traps may be nil.
func New(spec string, store *reputation.Store, tokens *token.Manager, traps *trap.Collector) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	log := logger.Component("maintenance")
	cl := cron.PrintfLogger(log)
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		store:  store,
		tokens: tokens,
		traps:  traps,
		now:    time.Now,
		log:    log,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule maintenance %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("maintenance scheduler started")
}

// Stop halts the schedule. The returned context is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single maintenance pass.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	now := s.now()
	var res Result
	res.Sweep = s.store.Sweep(now)
	if s.tokens != nil {
		res.TokensEvicted, res.TokensCompacted = s.tokens.Sweep(now)
	}
	if s.traps != nil {
		res.TrapsDropped = s.traps.Sweep(now)
	}

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	adopted, err := s.store.SyncFromMirror(syncCtx)
	if err != nil {
		s.log.WithError(err).Warn("failed to sync blocks from shared cache")
	}
	res.MirrorAdopted = adopted

	s.log.WithFields(logrus.Fields{
		"expired":          res.Sweep.Expired,
		"purged":           res.Sweep.Purged,
		"skipped":          res.Sweep.Skipped,
		"tokens_evicted":   res.TokensEvicted,
		"tokens_compacted": res.TokensCompacted,
		"traps_dropped":    res.TrapsDropped,
		"mirror_adopted":   res.MirrorAdopted,
	}).Debug("maintenance run complete")
	return res
}
