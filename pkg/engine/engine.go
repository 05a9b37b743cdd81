package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rotor/pkg/clock"
	"github.com/cuemby/rotor/pkg/config"
	"github.com/cuemby/rotor/pkg/evaluator"
	"github.com/cuemby/rotor/pkg/log"
	"github.com/cuemby/rotor/pkg/metrics"
	"github.com/cuemby/rotor/pkg/provider"
	"github.com/cuemby/rotor/pkg/state"
	"github.com/cuemby/rotor/pkg/trigger"
	"github.com/cuemby/rotor/pkg/types"
)

const (
	// DefaultTickInterval is the period of the main loop
	DefaultTickInterval = 60 * time.Second

	// DefaultTickTimeoutFactor bounds one tick at factor x interval;
	// jobs still pending at the deadline are skipped until the next tick
	DefaultTickTimeoutFactor = 5

	// DefaultTriggerEveryTicks is the trigger evaluator sub-cadence
	DefaultTriggerEveryTicks = 5
)

// Options tunes the engine loop
type Options struct {
	TickInterval      time.Duration
	TickTimeoutFactor int
	TriggerEveryTicks int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.TickTimeoutFactor <= 0 {
		opts.TickTimeoutFactor = DefaultTickTimeoutFactor
	}
	if opts.TriggerEveryTicks <= 0 {
		opts.TriggerEveryTicks = DefaultTriggerEveryTicks
	}
	return opts
}

// Engine is the top-level driver: it evaluates all jobs each tick,
// issues record updates through the provider, and persists rotation
// state after every successful firing.
type Engine struct {
	configStore *config.Store
	stateStore  *state.Store
	provider    provider.Provider
	eval        *evaluator.Evaluator
	triggers    *trigger.Evaluator
	clk         clock.Clock
	logger      zerolog.Logger
	opts        Options

	mu         sync.Mutex
	accountMus map[string]*sync.Mutex // One in-flight request per account
	tickCount  uint64
}

// New creates an engine. The trigger evaluator may be nil when no
// triggers are configured.
func New(cfg *config.Store, st *state.Store, p provider.Provider, trig *trigger.Evaluator, clk clock.Clock, opts Options) *Engine {
	return &Engine{
		configStore: cfg,
		stateStore:  st,
		provider:    p,
		eval:        evaluator.New(p),
		triggers:    trig,
		clk:         clk,
		logger:      log.WithComponent("engine"),
		opts:        opts.withDefaults(),
		accountMus:  make(map[string]*sync.Mutex),
	}
}

// VerifyCredentials checks every account token against the provider.
// Any invalid token is an auth fault; transient verification failures
// are not fatal and only logged.
func (e *Engine) VerifyCredentials(ctx context.Context, doc *config.Document) error {
	for _, account := range doc.Accounts {
		status, err := e.provider.VerifyToken(ctx, account)
		if err != nil {
			if types.KindOf(err) == types.FaultAuth {
				return types.Faultf(types.FaultAuth, "account %s: token verification failed: %w", account.ID, err)
			}
			e.logger.Warn().
				Err(err).
				Str("account_id", account.ID).
				Msg("Token verification inconclusive, proceeding")
			continue
		}
		if !status.Valid {
			return types.Faultf(types.FaultAuth, "account %s: token invalid (missing permissions: %v)", account.ID, status.MissingPermissions)
		}
	}
	return nil
}

// Run is the long-lived daemon loop. It ticks immediately, then on the
// configured interval, until ctx is cancelled. An in-flight update is
// allowed to complete before exit; its state is persisted first.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("tick_interval", e.opts.TickInterval).
		Msg("Engine started")

	if err := e.RunOnce(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Tick failed")
	}

	ticker := e.clk.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if err := e.RunOnce(ctx); err != nil {
				// Log error but continue; config faults self-heal when
				// the operator fixes the file
				e.logger.Error().Err(err).Msg("Tick failed")
				metrics.RecordFailure(err.Error())
			}
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped")
			return ctx.Err()
		}
	}
}

// RunOnce performs exactly one tick: load config and state, evaluate
// every enabled job in configuration order, apply updates, run the
// trigger evaluator at its sub-cadence. This is also the entry point
// for the externally scheduled one-shot mode; both modes share the
// same state-file discipline.
func (e *Engine) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TickDuration)
		metrics.TicksTotal.Inc()
	}()

	doc, err := e.configStore.Load()
	if err != nil {
		return err
	}
	e.updateJobGauges(doc)
	e.pruneState(doc)

	now := e.clk.Now()
	jobs := doc.EnabledJobs()

	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(e.opts.TickTimeoutFactor)*e.opts.TickInterval)
	defer cancel()

	quarantined := e.runJobs(tickCtx, doc, jobs, now)
	metrics.JobsQuarantined.Set(float64(quarantined))

	e.mu.Lock()
	e.tickCount++
	runTriggers := e.triggers != nil && len(doc.Triggers) > 0 && (e.tickCount-1)%uint64(e.opts.TriggerEveryTicks) == 0
	e.mu.Unlock()

	if runTriggers {
		e.triggers.Run(tickCtx, doc)
	}

	if tickCtx.Err() == context.DeadlineExceeded {
		metrics.TickTimeouts.Inc()
		e.logger.Warn().Msg("Tick deadline exceeded, remaining jobs skipped")
	}

	metrics.RecordTick(now, len(jobs))
	return nil
}

// runJobs fans jobs out across accounts. Jobs on the same account run
// sequentially in configuration order; accounts run in parallel.
// Returns the number of jobs quarantined this tick.
func (e *Engine) runJobs(ctx context.Context, doc *config.Document, jobs []*types.Job, now time.Time) int {
	byAccount := make(map[string][]*types.Job)
	var accountOrder []string
	for _, job := range jobs {
		if _, seen := byAccount[job.AccountID]; !seen {
			accountOrder = append(accountOrder, job.AccountID)
		}
		byAccount[job.AccountID] = append(byAccount[job.AccountID], job)
	}

	var quarantined int64
	var wg sync.WaitGroup
	var quarantineMu sync.Mutex

	for _, accountID := range accountOrder {
		accountJobs := byAccount[accountID]
		wg.Add(1)
		go func(accountID string, accountJobs []*types.Job) {
			defer wg.Done()

			mu := e.accountMutex(accountID)
			mu.Lock()
			defer mu.Unlock()

			for _, job := range accountJobs {
				if ctx.Err() != nil {
					return
				}
				if e.processJob(ctx, doc, job, now) {
					quarantineMu.Lock()
					quarantined++
					quarantineMu.Unlock()
				}
			}
		}(accountID, accountJobs)
	}
	wg.Wait()

	return int(quarantined)
}

// accountMutex returns the serialization mutex for an account
func (e *Engine) accountMutex(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.accountMus[accountID]
	if !ok {
		mu = &sync.Mutex{}
		e.accountMus[accountID] = mu
	}
	return mu
}

// processJob evaluates and applies one job. Returns true when the job
// was quarantined for this tick.
func (e *Engine) processJob(ctx context.Context, doc *config.Document, job *types.Job, now time.Time) bool {
	jobLogger := e.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("zone_id", job.ZoneID).
		Logger()

	account, ok := doc.GetAccount(job.AccountID)
	if !ok {
		// Validation prevents this on a fresh load
		jobLogger.Error().Str("account_id", job.AccountID).Msg("Job references unknown account")
		return true
	}

	st := e.stateStore.JobState(job.ID)

	timer := metrics.NewTimer()
	result, err := e.eval.Evaluate(ctx, now, account, job, st)
	if err != nil {
		timer.ObserveDurationVec(metrics.RotationDuration, string(job.Kind))
		return e.handleJobError(jobLogger, job, err)
	}

	if result.Skip != nil {
		jobLogger.Debug().Str("reason", result.Skip.Reason).Msg("Job skipped")
		return false
	}

	quarantinedJob := e.applyPlan(ctx, jobLogger, account, job, st, result.Plan, now)
	timer.ObserveDurationVec(metrics.RotationDuration, string(job.Kind))
	return quarantinedJob
}

// applyPlan issues the plan's updates sequentially and persists state.
// The cursor advances iff at least one record updated successfully, so
// a partial multi-record failure still slides the window and the
// records that failed pick up fresh values on the next firing.
func (e *Engine) applyPlan(ctx context.Context, jobLogger zerolog.Logger, account *types.Account, job *types.Job, st types.RotationState, plan *evaluator.Plan, now time.Time) bool {
	var successes int
	var lastErr error

	for _, update := range plan.Updates {
		if ctx.Err() != nil {
			break
		}

		// The update itself is not cancelled mid-flight: a cancel takes
		// effect at the next suspension point and a completed update's
		// state must be persisted before exit. The client's own request
		// timeout still bounds it.
		updated, err := e.provider.UpdateRecord(context.WithoutCancel(ctx), account, update.Record, update.NewValue)
		if err != nil {
			lastErr = err
			jobLogger.Error().
				Err(err).
				Str("record_id", update.Record.ID).
				Str("record_name", update.Record.Name).
				Msg("Record update failed")
			if !types.IsRetryable(err) {
				// Record-scope or auth fault: stop the batch, quarantine
				break
			}
			continue
		}

		successes++
		metrics.RecordsUpdated.Inc()
		jobLogger.Info().
			Str("record_id", updated.ID).
			Str("record_name", updated.Name).
			Str("new_value", update.NewValue).
			Msg("Record rotated")
	}

	if successes > 0 {
		cursor := st.Cursor
		if plan.HasCursor {
			cursor = plan.NewCursor
		}
		if err := e.stateStore.RecordFiring(job.ID, now, cursor); err != nil {
			jobLogger.Error().Err(err).Msg("Failed to persist rotation state")
		}

		outcome := "success"
		if successes < len(plan.Updates) {
			outcome = "partial"
		}
		metrics.RotationsTotal.WithLabelValues(string(job.Kind), outcome).Inc()
		return false
	}

	if lastErr == nil {
		// Cancelled before any update was issued; not a failure
		return false
	}

	metrics.RotationsTotal.WithLabelValues(string(job.Kind), "failure").Inc()
	return e.handleJobError(jobLogger, job, lastErr)
}

// handleJobError applies the failure policy: transient faults increment
// the failure streak and retry next tick; record-scope and auth faults
// quarantine the job for this tick with state untouched.
func (e *Engine) handleJobError(jobLogger zerolog.Logger, job *types.Job, err error) bool {
	kind := types.KindOf(err)

	if kind == types.FaultTransient {
		streak, serr := e.stateStore.RecordFailure(job.ID)
		if serr != nil {
			jobLogger.Error().Err(serr).Msg("Failed to persist failure count")
		}

		// WARN on the first failure in a streak and every power-of-two
		// occurrence after; the rest stay at DEBUG
		event := jobLogger.Debug()
		if streak > 0 && streak&(streak-1) == 0 {
			event = jobLogger.Warn()
		}
		event.Err(err).Int("consecutive_failures", streak).Msg("Transient provider failure, will retry next tick")
		return false
	}

	jobLogger.Error().
		Err(err).
		Str("fault_kind", string(kind)).
		Msg("Job quarantined for this tick")
	return true
}

// updateJobGauges refreshes the configured-jobs gauge
func (e *Engine) updateJobGauges(doc *config.Document) {
	counts := make(map[[2]string]int)
	for _, j := range doc.Jobs {
		enabled := "false"
		if j.Enabled {
			enabled = "true"
		}
		counts[[2]string{string(j.Kind), enabled}]++
	}
	metrics.JobsTotal.Reset()
	for key, n := range counts {
		metrics.JobsTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// pruneState drops persisted state for entities no longer configured
func (e *Engine) pruneState(doc *config.Document) {
	jobIDs := make(map[string]bool)
	for _, j := range doc.Jobs {
		jobIDs[j.ID] = true
	}
	triggerIDs := make(map[string]bool)
	for _, t := range doc.Triggers {
		triggerIDs[t.ID] = true
	}
	if err := e.stateStore.Prune(jobIDs, triggerIDs); err != nil {
		e.logger.Error().Err(err).Msg("Failed to prune stale state")
	}
}
