package evaluator

import (
	"context"
	"time"

	"github.com/cuemby/rotor/pkg/provider"
	"github.com/cuemby/rotor/pkg/rotation"
	"github.com/cuemby/rotor/pkg/types"
)

// Update is one record write the engine should issue
type Update struct {
	Record   *types.Record
	NewValue string
}

// Plan is a concrete set of record writes plus the cursor to persist
// once at least one of them lands.
type Plan struct {
	Updates   []Update
	NewCursor int
	HasCursor bool // False for shuffle jobs, which carry no cursor
}

// Skip explains why a job did not produce a plan this tick
type Skip struct {
	Reason string
}

// Result is either a plan or a skip, never both
type Result struct {
	Plan *Plan
	Skip *Skip
}

// Evaluator decides, per job, whether to run and what to write. Live
// record reads go through the provider just-in-time; all selection
// arithmetic is delegated to the rotation package.
type Evaluator struct {
	provider provider.Provider
}

// New creates an evaluator on top of a provider
func New(p provider.Provider) *Evaluator {
	return &Evaluator{provider: p}
}

// Evaluate computes the job's plan for this tick. A job whose cadence
// has not elapsed is skipped. Errors are classified faults from the
// provider.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time, account *types.Account, job *types.Job, st types.RotationState) (*Result, error) {
	if !st.LastFiredAt.IsZero() {
		due := st.LastFiredAt.Add(job.Interval())
		if now.Before(due) {
			return &Result{Skip: &Skip{Reason: "not due until " + due.UTC().Format(time.RFC3339)}}, nil
		}
	}

	switch job.Kind {
	case types.JobKindSingle:
		return e.evaluateSingle(ctx, account, job, st)
	case types.JobKindMultiPool:
		return e.evaluateMultiPool(ctx, account, job, st)
	case types.JobKindShuffle:
		return e.evaluateShuffle(ctx, account, job)
	default:
		// Config validation rejects unknown kinds before the engine runs
		return nil, types.Faultf(types.FaultConfig, "job %s: unknown kind %q", job.ID, job.Kind)
	}
}

// evaluateSingle picks the next pool entry against the live value
func (e *Evaluator) evaluateSingle(ctx context.Context, account *types.Account, job *types.Job, st types.RotationState) (*Result, error) {
	spec := job.Single

	record, err := e.provider.GetRecord(ctx, account, job.ZoneID, spec.RecordID)
	if err != nil {
		return nil, err
	}

	target, cursor := rotation.SinglePick(spec.IPPool, record.Value, st.Cursor)
	return &Result{Plan: &Plan{
		Updates:   []Update{{Record: record, NewValue: target}},
		NewCursor: cursor,
		HasCursor: true,
	}}, nil
}

// evaluateMultiPool assigns the sliding pool window across all records
func (e *Evaluator) evaluateMultiPool(ctx context.Context, account *types.Account, job *types.Job, st types.RotationState) (*Result, error) {
	spec := job.MultiPool

	records := make([]*types.Record, len(spec.RecordIDs))
	for i, id := range spec.RecordIDs {
		record, err := e.provider.GetRecord(ctx, account, job.ZoneID, id)
		if err != nil {
			// A missing record skips the whole job this tick
			return nil, err
		}
		records[i] = record
	}

	values := rotation.MultiPoolWindow(spec.IPPool, len(records), st.Cursor)
	updates := make([]Update, len(records))
	for i, record := range records {
		updates[i] = Update{Record: record, NewValue: values[i]}
	}

	return &Result{Plan: &Plan{
		Updates:   updates,
		NewCursor: rotation.NextWindowCursor(spec.IPPool, st.Cursor),
		HasCursor: true,
	}}, nil
}

// evaluateShuffle samples all live values once, then emits the cyclic
// shift so the permutation is deterministic within the firing
func (e *Evaluator) evaluateShuffle(ctx context.Context, account *types.Account, job *types.Job) (*Result, error) {
	spec := job.Shuffle

	records := make([]*types.Record, len(spec.RecordIDs))
	live := make([]string, len(spec.RecordIDs))
	for i, id := range spec.RecordIDs {
		record, err := e.provider.GetRecord(ctx, account, job.ZoneID, id)
		if err != nil {
			return nil, err
		}
		records[i] = record
		live[i] = record.Value
	}

	values := rotation.Shuffle(live, spec.Shift)
	updates := make([]Update, len(records))
	for i, record := range records {
		updates[i] = Update{Record: record, NewValue: values[i]}
	}

	return &Result{Plan: &Plan{Updates: updates}}, nil
}
