package flywheel

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/storage"
)

// pauseFailureThreshold soft-pauses a token for one tick once its
// consecutive-failure streak reaches it. The token is never disabled.
const pauseFailureThreshold = 10

// Summary aggregates one scheduler tick
type Summary struct {
	Eligible int
	Budget   int
	Stepped  int
	Traded   int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Scheduler drives one fleet of cycle machines on a period: load the
// eligible tokens, shuffle, and step each under a global trade budget.
// Two instances run in production - the main fleet and the turbo-lite
// fleet on its tighter period with its own rate cap.
type Scheduler struct {
	db      *storage.DB
	engine  *Engine
	locks   *LockRegistry
	limiter *RateLimiter

	name    string
	algo    storage.Algorithm // "" selects all except exclude
	exclude storage.Algorithm
	period  time.Duration
	delay   time.Duration // default inter-token delay
}

// NewScheduler creates the main fleet scheduler; turbo-lite tokens are left
// to their own scheduler.
func NewScheduler(db *storage.DB, engine *Engine, locks *LockRegistry, limiter *RateLimiter, period, interTokenDelay time.Duration) *Scheduler {
	return &Scheduler{
		db:      db,
		engine:  engine,
		locks:   locks,
		limiter: limiter,
		name:    "flywheel",
		exclude: storage.AlgoTurboLite,
		period:  period,
		delay:   interTokenDelay,
	}
}

// NewTurboScheduler creates the turbo-lite fleet scheduler. It ticks on a
// short period; each token is stepped only when its own configured interval
// has elapsed.
func NewTurboScheduler(db *storage.DB, engine *Engine, locks *LockRegistry, limiter *RateLimiter, period time.Duration) *Scheduler {
	return &Scheduler{
		db:      db,
		engine:  engine,
		locks:   locks,
		limiter: limiter,
		name:    "turbo",
		algo:    storage.AlgoTurboLite,
		period:  period,
	}
}

// Tick advances the fleet once and returns a summary
func (s *Scheduler) Tick(ctx context.Context) Summary {
	start := time.Now()
	sum := Summary{}

	views, err := s.db.ListTokensForScheduler(s.algo)
	if err != nil {
		log.Error().Err(err).Str("scheduler", s.name).Msg("eligibility load failed")
		return sum
	}
	if s.exclude != "" {
		filtered := views[:0]
		for _, v := range views {
			if v.Config.Algorithm != s.exclude {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	sum.Eligible = len(views)

	s.refreshLimit(views)

	cap := s.db.PlatformInt(storage.KeyMaxTradesPerMinute, 30)
	period := s.period
	if s.algo == storage.AlgoTurboLite {
		cap = s.turboCap(views)
	} else if m := s.db.PlatformInt(storage.KeyFlywheelIntervalMin, 0); m > 0 {
		// Admin-set interval widens or narrows the budget window per tick
		period = time.Duration(m) * time.Minute
	}
	budget := int(float64(cap) * period.Minutes())
	if budget > len(views) {
		budget = len(views)
	}
	sum.Budget = budget

	rand.Shuffle(len(views), func(i, j int) { views[i], views[j] = views[j], views[i] })

	now := time.Now()
	for _, view := range views {
		if budget <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			log.Info().Str("scheduler", s.name).Msg("tick cancelled")
			return s.finish(sum, start)
		default:
		}

		if s.algo == storage.AlgoTurboLite && !turboDue(view, now) {
			sum.Skipped++
			continue
		}

		if !s.locks.TryLock(view.Token.ID) {
			sum.Skipped++
			continue
		}

		outcome := s.stepLocked(ctx, view)
		s.locks.Unlock(view.Token.ID)

		sum.Stepped++
		switch outcome.Status {
		case OutcomeTraded:
			sum.Traded++
			s.limiter.Record()
			budget--
		case OutcomeFailed:
			sum.Failed++
			budget--
		default:
			sum.Skipped++
		}

		if d := s.interTokenDelay(view); d > 0 {
			select {
			case <-ctx.Done():
				return s.finish(sum, start)
			case <-time.After(d):
			}
		}
	}

	return s.finish(sum, start)
}

func (s *Scheduler) stepLocked(ctx context.Context, view *storage.TokenView) Outcome {
	if view.Cycle.ConsecutiveFailures >= pauseFailureThreshold {
		// One-tick pause, then the streak restarts from zero
		if _, err := s.db.AdvanceCycle(view.Token.ID, storage.CycleUpdate{ResetFailures: true}); err != nil {
			log.Warn().Err(err).Str("token", view.Token.ID).Msg("failure reset failed")
		}
		log.Warn().
			Str("token", view.Token.ID).
			Int("failures", view.Cycle.ConsecutiveFailures).
			Msg("token paused for one tick after failure streak")
		return Outcome{Status: OutcomeSkipped, Reason: "failure_pause"}
	}

	if !s.limiter.Allow() {
		return Outcome{Status: OutcomeSkipped, Reason: "rate_limited"}
	}

	return s.engine.StepToken(ctx, view)
}

func (s *Scheduler) finish(sum Summary, start time.Time) Summary {
	sum.Duration = time.Since(start)
	log.Info().
		Str("scheduler", s.name).
		Int("eligible", sum.Eligible).
		Int("budget", sum.Budget).
		Int("stepped", sum.Stepped).
		Int("traded", sum.Traded).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Dur("took", sum.Duration).
		Msg("scheduler tick complete")
	return sum
}

// refreshLimit re-reads the trades-per-minute cap so admin changes apply on
// the next tick.
func (s *Scheduler) refreshLimit(views []*storage.TokenView) {
	if s.algo == storage.AlgoTurboLite {
		s.limiter.SetLimit(s.turboCap(views))
		return
	}
	s.limiter.SetLimit(s.db.PlatformInt(storage.KeyMaxTradesPerMinute, 30))
}

// turboCap is the largest per-minute cap configured across the turbo fleet
func (s *Scheduler) turboCap(views []*storage.TokenView) int {
	cap := 30
	for _, v := range views {
		if ext := v.Config.Ext.TurboLite; ext != nil && ext.MaxTradesPerMinute > cap {
			cap = ext.MaxTradesPerMinute
		}
	}
	return cap
}

// turboDue reports whether the token's own interval has elapsed
func turboDue(view *storage.TokenView, now time.Time) bool {
	ext := view.Config.Ext.TurboLite
	if ext == nil || ext.JobIntervalSeconds <= 0 {
		return true
	}
	if view.Cycle.LastAttemptAt == 0 {
		return true
	}
	return now.Sub(time.Unix(view.Cycle.LastAttemptAt, 0)) >= time.Duration(ext.JobIntervalSeconds)*time.Second
}

func (s *Scheduler) interTokenDelay(view *storage.TokenView) time.Duration {
	if ext := view.Config.Ext.TurboLite; ext != nil && ext.InterTokenDelayMs > 0 {
		return time.Duration(ext.InterTokenDelayMs) * time.Millisecond
	}
	return s.delay
}
