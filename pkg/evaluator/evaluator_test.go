package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rotor/pkg/provider"
	"github.com/cuemby/rotor/pkg/types"
)

// fakeProvider serves records from memory and records updates
type fakeProvider struct {
	records map[string]*types.Record // Keyed by record ID
	getErr  error
}

func (f *fakeProvider) ListZones(ctx context.Context, account *types.Account) ([]*types.Zone, error) {
	return nil, nil
}

func (f *fakeProvider) ListRecords(ctx context.Context, account *types.Account, zoneID string, typeFilter types.RecordType) ([]*types.Record, error) {
	var out []*types.Record
	for _, r := range f.records {
		if r.ZoneID == zoneID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeProvider) GetRecord(ctx context.Context, account *types.Account, zoneID, recordID string) (*types.Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	r, ok := f.records[recordID]
	if !ok {
		return nil, types.Faultf(types.FaultRecordScope, "record %s not found", recordID)
	}
	copied := *r
	return &copied, nil
}

func (f *fakeProvider) UpdateRecord(ctx context.Context, account *types.Account, record *types.Record, newValue string) (*types.Record, error) {
	r, ok := f.records[record.ID]
	if !ok {
		return nil, types.Faultf(types.FaultRecordScope, "record %s not found", record.ID)
	}
	r.Value = newValue
	copied := *r
	return &copied, nil
}

func (f *fakeProvider) VerifyToken(ctx context.Context, account *types.Account) (*provider.TokenStatus, error) {
	return &provider.TokenStatus{Valid: true}, nil
}

var testAccount = &types.Account{ID: "acct-1", Name: "test", Token: "tok"}

func singleJob(pool []string) *types.Job {
	return &types.Job{
		ID:              "job-1",
		AccountID:       "acct-1",
		ZoneID:          "zone-1",
		Kind:            types.JobKindSingle,
		IntervalMinutes: 5,
		Enabled:         true,
		Single: &types.SingleSpec{
			RecordID:   "rec-1",
			RecordType: types.RecordTypeA,
			IPPool:     pool,
		},
	}
}

func TestEvaluateSkipsWhenNotDue(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	}}
	eval := New(fake)

	job := singleJob([]string{"1.1.1.1", "2.2.2.2"})
	now := time.Unix(10000, 0)
	st := types.RotationState{LastFiredAt: now.Add(-4 * time.Minute)}

	result, err := eval.Evaluate(context.Background(), now, testAccount, job, st)
	require.NoError(t, err)
	require.NotNil(t, result.Skip)
	assert.Nil(t, result.Plan)
	assert.Contains(t, result.Skip.Reason, "not due")
}

func TestEvaluateRunsExactlyAtDue(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	}}
	eval := New(fake)

	job := singleJob([]string{"1.1.1.1", "2.2.2.2"})
	now := time.Unix(10000, 0)
	st := types.RotationState{LastFiredAt: now.Add(-5 * time.Minute)}

	result, err := eval.Evaluate(context.Background(), now, testAccount, job, st)
	require.NoError(t, err)
	require.NotNil(t, result.Plan)
}

func TestEvaluateNeverFiredRunsImmediately(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	}}
	eval := New(fake)

	result, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, singleJob([]string{"1.1.1.1", "2.2.2.2"}), types.RotationState{})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)
}

func TestEvaluateSingleAvoidsLiveValue(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "8.8.8.8", TTL: 300},
	}}
	eval := New(fake)

	job := singleJob([]string{"9.9.9.9", "8.8.8.8"})
	result, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, job, types.RotationState{Cursor: 0})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)

	plan := result.Plan
	require.Len(t, plan.Updates, 1)
	// Candidate at cursor+1 is the live value, so the pick advances once more
	assert.Equal(t, "9.9.9.9", plan.Updates[0].NewValue)
	assert.True(t, plan.HasCursor)
	assert.Equal(t, 0, plan.NewCursor)
}

func TestEvaluateSingleRecordNotFound(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{}}
	eval := New(fake)

	_, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, singleJob([]string{"1.1.1.1"}), types.RotationState{})
	require.Error(t, err)
	assert.Equal(t, types.FaultRecordScope, types.KindOf(err))
}

func TestEvaluateMultiPool(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "r1.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
		"rec-2": {ID: "rec-2", ZoneID: "zone-1", Name: "r2.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
	}}
	eval := New(fake)

	job := &types.Job{
		ID:              "job-mp",
		AccountID:       "acct-1",
		ZoneID:          "zone-1",
		Kind:            types.JobKindMultiPool,
		IntervalMinutes: 5,
		Enabled:         true,
		MultiPool: &types.MultiPoolSpec{
			RecordIDs:  []string{"rec-1", "rec-2"},
			RecordType: types.RecordTypeA,
			IPPool:     []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
		},
	}

	result, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, job, types.RotationState{Cursor: 0})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)

	plan := result.Plan
	require.Len(t, plan.Updates, 2)
	assert.Equal(t, "rec-1", plan.Updates[0].Record.ID)
	assert.Equal(t, "10.0.0.1", plan.Updates[0].NewValue)
	assert.Equal(t, "rec-2", plan.Updates[1].Record.ID)
	assert.Equal(t, "10.0.0.2", plan.Updates[1].NewValue)
	assert.True(t, plan.HasCursor)
	assert.Equal(t, 1, plan.NewCursor)

	// Next firing slides the window by one
	result, err = eval.Evaluate(context.Background(), time.Unix(20000, 0), testAccount, job, types.RotationState{Cursor: 1})
	require.NoError(t, err)
	plan = result.Plan
	assert.Equal(t, "10.0.0.2", plan.Updates[0].NewValue)
	assert.Equal(t, "10.0.0.3", plan.Updates[1].NewValue)
	assert.Equal(t, 2, plan.NewCursor)
}

func TestEvaluateMultiPoolMissingRecordSkipsWholeJob(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-1": {ID: "rec-1", ZoneID: "zone-1", Name: "r1.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
	}}
	eval := New(fake)

	job := &types.Job{
		ID:              "job-mp",
		AccountID:       "acct-1",
		ZoneID:          "zone-1",
		Kind:            types.JobKindMultiPool,
		IntervalMinutes: 5,
		MultiPool: &types.MultiPoolSpec{
			RecordIDs:  []string{"rec-1", "rec-missing"},
			RecordType: types.RecordTypeA,
			IPPool:     []string{"10.0.0.1", "10.0.0.2"},
		},
	}

	_, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, job, types.RotationState{})
	require.Error(t, err)
	assert.Equal(t, types.FaultRecordScope, types.KindOf(err))
}

func TestEvaluateShuffle(t *testing.T) {
	fake := &fakeProvider{records: map[string]*types.Record{
		"rec-a": {ID: "rec-a", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
		"rec-b": {ID: "rec-b", ZoneID: "zone-1", Name: "b.example.com", Type: types.RecordTypeA, Value: "2.2.2.2", TTL: 300},
		"rec-c": {ID: "rec-c", ZoneID: "zone-1", Name: "c.example.com", Type: types.RecordTypeA, Value: "3.3.3.3", TTL: 300},
	}}
	eval := New(fake)

	job := &types.Job{
		ID:              "job-sh",
		AccountID:       "acct-1",
		ZoneID:          "zone-1",
		Kind:            types.JobKindShuffle,
		IntervalMinutes: 5,
		Shuffle: &types.ShuffleSpec{
			RecordIDs: []string{"rec-a", "rec-b", "rec-c"},
			Shift:     1,
		},
	}

	result, err := eval.Evaluate(context.Background(), time.Unix(10000, 0), testAccount, job, types.RotationState{})
	require.NoError(t, err)
	require.NotNil(t, result.Plan)

	plan := result.Plan
	require.Len(t, plan.Updates, 3)
	assert.Equal(t, "2.2.2.2", plan.Updates[0].NewValue)
	assert.Equal(t, "3.3.3.3", plan.Updates[1].NewValue)
	assert.Equal(t, "1.1.1.1", plan.Updates[2].NewValue)
	// Shuffle carries no cursor
	assert.False(t, plan.HasCursor)
}
