package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitepulse/sitepulse/internal/store"
)

// Scheduler sweeps all active rules at a fixed interval and accepts nudges
// after ingestion. Sweeps may overlap; the evaluator's compare-and-set keeps
// notifications at-most-once per cooldown, so no sweep-level locking is
// needed.
type Scheduler struct {
	evaluator   *Evaluator
	rules       store.RuleStore
	interval    time.Duration
	ruleTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	nudge    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(evaluator *Evaluator, rules store.RuleStore, interval, ruleTimeout time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if ruleTimeout <= 0 {
		ruleTimeout = 10 * time.Second
	}
	return &Scheduler{
		evaluator:   evaluator,
		rules:       rules,
		interval:    interval,
		ruleTimeout: ruleTimeout,
		logger:      logger,
		now:         time.Now,
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the tick loop. Each tick or nudge starts an independent
// sweep goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.startSweep()
		case <-s.nudge:
			s.startSweep()
		}
	}
}

func (s *Scheduler) startSweep() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Sweep(context.Background())
	}()
}

// Nudge requests an out-of-band sweep, typically right after an ingested
// record, to cut detection latency for error-count rules. Pending nudges
// coalesce; Nudge never blocks.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Sweep evaluates every active rule once. Rule failures are isolated: a
// timed-out or failing rule is skipped for this sweep and picked up again on
// the next tick.
func (s *Scheduler) Sweep(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, s.ruleTimeout)
	rules, err := s.rules.ListActive(listCtx)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list active alert rules")
		return
	}
	if len(rules) == 0 {
		return
	}

	now := s.now().UTC()

	var wg sync.WaitGroup
	for _, rule := range rules {
		rule := rule
		wg.Add(1)
		go func() {
			defer wg.Done()

			ruleCtx, cancel := context.WithTimeout(ctx, s.ruleTimeout)
			defer cancel()

			fired, err := s.evaluator.Evaluate(ruleCtx, rule, now)
			if err != nil {
				s.logger.Error().
					Err(err).
					Str("rule_id", rule.ID.String()).
					Str("rule", rule.Name).
					Msg("Alert evaluation failed")
				return
			}
			if fired {
				s.logger.Info().
					Str("rule_id", rule.ID.String()).
					Str("rule", rule.Name).
					Str("condition", string(rule.Condition)).
					Msg("Alert fired")
			}
		}()
	}
	wg.Wait()
}

// Stop prevents new ticks and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
