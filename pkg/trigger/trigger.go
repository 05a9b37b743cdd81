package trigger

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/rotor/pkg/config"
	"github.com/cuemby/rotor/pkg/log"
	"github.com/cuemby/rotor/pkg/metrics"
	"github.com/cuemby/rotor/pkg/state"
	"github.com/cuemby/rotor/pkg/types"
)

const bytesPerGB = 1e9

// Evaluator checks traffic-usage triggers against agent totals and
// records at most one alert per (trigger, period).
type Evaluator struct {
	agents AgentClient
	store  *state.Store
	logger zerolog.Logger
}

// NewEvaluator creates a trigger evaluator
func NewEvaluator(agents AgentClient, store *state.Store) *Evaluator {
	return &Evaluator{
		agents: agents,
		store:  store,
		logger: log.WithComponent("trigger"),
	}
}

// Run evaluates every configured trigger once. Agent poll failures are
// logged and the remaining triggers proceed; one agent is polled at
// most once per run even when several triggers share it.
func (e *Evaluator) Run(ctx context.Context, doc *config.Document) {
	totalsByAgent := make(map[string]*types.AgentTotals)

	for _, trig := range doc.Triggers {
		agent, ok := doc.GetAgent(trig.AgentID)
		if !ok {
			// Validation prevents this; a stale snapshot could not
			e.logger.Error().
				Str("trigger_id", trig.ID).
				Str("agent_id", trig.AgentID).
				Msg("Trigger references unknown agent")
			continue
		}

		totals, polled := totalsByAgent[agent.ID]
		if !polled {
			var err error
			totals, err = e.agents.Totals(ctx, agent)
			if err != nil {
				totalsByAgent[agent.ID] = nil // Not polled again this run
				metrics.TriggerPollFailures.Inc()
				e.logger.Warn().
					Err(err).
					Str("trigger_id", trig.ID).
					Str("agent_id", agent.ID).
					Msg("Failed to poll agent totals")
				continue
			}
			totalsByAgent[agent.ID] = totals
		}
		if totals == nil {
			// The agent's poll already failed this run
			continue
		}

		e.evaluate(trig, totals)
	}
}

// evaluate fires the trigger when the window total exceeds the limit
// and the current period has not already fired
func (e *Evaluator) evaluate(trig *types.Trigger, totals *types.AgentTotals) {
	period := totals.Period(trig.Window)
	if period == "" {
		e.logger.Warn().
			Str("trigger_id", trig.ID).
			Str("window", string(trig.Window)).
			Msg("Agent reported no period identifier for window")
		return
	}

	if e.store.LastFiredPeriod(trig.ID) == period {
		return
	}

	usedGB := float64(totals.Bytes(trig.Window)) / bytesPerGB
	if usedGB <= trig.LimitGB {
		return
	}

	e.logger.Warn().
		Str("trigger_id", trig.ID).
		Str("label", trig.Label).
		Str("window", string(trig.Window)).
		Str("period", period).
		Float64("used_gb", usedGB).
		Float64("limit_gb", trig.LimitGB).
		Msg("Traffic limit exceeded")
	metrics.TriggerAlertsTotal.WithLabelValues(string(trig.Window)).Inc()

	if err := e.store.RecordTriggerFiring(trig.ID, period); err != nil {
		e.logger.Error().
			Err(err).
			Str("trigger_id", trig.ID).
			Msg("Failed to persist trigger firing")
	}
}
