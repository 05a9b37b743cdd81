package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rotor/pkg/clock"
	"github.com/cuemby/rotor/pkg/config"
	"github.com/cuemby/rotor/pkg/log"
	"github.com/cuemby/rotor/pkg/provider"
	"github.com/cuemby/rotor/pkg/state"
	"github.com/cuemby/rotor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// fakeProvider serves records from memory; updates can be scripted to
// fail per record ID
type fakeProvider struct {
	mu         sync.Mutex
	records    map[string]*types.Record
	updateErrs map[string]error // Record ID -> error returned by every update until removed
	updates    int
	verify     *provider.TokenStatus
}

func newFakeProvider(records ...*types.Record) *fakeProvider {
	f := &fakeProvider{
		records:    make(map[string]*types.Record),
		updateErrs: make(map[string]error),
		verify:     &provider.TokenStatus{Valid: true},
	}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeProvider) ListZones(ctx context.Context, account *types.Account) ([]*types.Zone, error) {
	return nil, nil
}

func (f *fakeProvider) ListRecords(ctx context.Context, account *types.Account, zoneID string, typeFilter types.RecordType) ([]*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Record
	for _, r := range f.records {
		if r.ZoneID == zoneID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeProvider) GetRecord(ctx context.Context, account *types.Account, zoneID, recordID string) (*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[recordID]
	if !ok {
		return nil, types.Faultf(types.FaultRecordScope, "record %s not found", recordID)
	}
	copied := *r
	return &copied, nil
}

func (f *fakeProvider) UpdateRecord(ctx context.Context, account *types.Account, record *types.Record, newValue string) (*types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.updateErrs[record.ID]; ok {
		return nil, err
	}
	r, ok := f.records[record.ID]
	if !ok {
		return nil, types.Faultf(types.FaultRecordScope, "record %s not found", record.ID)
	}
	r.Value = newValue
	f.updates++
	copied := *r
	return &copied, nil
}

func (f *fakeProvider) VerifyToken(ctx context.Context, account *types.Account) (*provider.TokenStatus, error) {
	return f.verify, nil
}

func (f *fakeProvider) value(recordID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[recordID].Value
}

func (f *fakeProvider) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// harness wires an engine over temp config/state files
type harness struct {
	engine *Engine
	state  *state.Store
	fake   *fakeProvider
	clk    *clock.Fake
}

func newHarness(t *testing.T, doc *config.Document, fake *fakeProvider) *harness {
	t.Helper()
	dir := t.TempDir()

	configStore := config.NewStore(filepath.Join(dir, "config.yaml"))
	require.NoError(t, configStore.Save(doc))

	stateStore, err := state.Open(filepath.Join(dir, "state.yaml"))
	require.NoError(t, err)

	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	eng := New(configStore, stateStore, fake, nil, clk, Options{TickInterval: time.Minute})

	return &harness{engine: eng, state: stateStore, fake: fake, clk: clk}
}

func singleJobDoc(pool []string) *config.Document {
	return &config.Document{
		Accounts: []*types.Account{{ID: "acct-1", Name: "main", Token: "tok"}},
		Zones:    []*types.Zone{{ID: "zone-1", AccountID: "acct-1", Name: "example.com"}},
		Jobs: []*types.Job{{
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
		}},
	}
}

func TestTickRotatesAndEnforcesCadence(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	)
	h := newHarness(t, singleJobDoc([]string{"1.1.1.1", "2.2.2.2"}), fake)
	ctx := context.Background()

	// First tick: due (never fired), swaps to the other pool entry
	start := h.clk.Now()
	require.NoError(t, h.engine.RunOnce(ctx))
	assert.Equal(t, "2.2.2.2", fake.value("rec-1"))
	st := h.state.JobState("job-1")
	assert.Equal(t, start, st.LastFiredAt)
	assert.Equal(t, 1, st.Cursor)

	// Four minutes later: not due, nothing happens
	h.clk.Advance(4 * time.Minute)
	require.NoError(t, h.engine.RunOnce(ctx))
	assert.Equal(t, "2.2.2.2", fake.value("rec-1"))
	assert.Equal(t, 1, fake.updateCount())

	// At the five-minute mark: due again, swaps back
	h.clk.Advance(time.Minute)
	require.NoError(t, h.engine.RunOnce(ctx))
	assert.Equal(t, "1.1.1.1", fake.value("rec-1"))
	st = h.state.JobState("job-1")
	assert.Equal(t, 0, st.Cursor)
	assert.Equal(t, start.Add(5*time.Minute), st.LastFiredAt)
}

func TestTickSkipsDisabledJobs(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	)
	doc := singleJobDoc([]string{"1.1.1.1", "2.2.2.2"})
	doc.Jobs[0].Enabled = false
	h := newHarness(t, doc, fake)

	require.NoError(t, h.engine.RunOnce(context.Background()))
	assert.Zero(t, fake.updateCount())
	assert.True(t, h.state.JobState("job-1").LastFiredAt.IsZero())
}

func TestTransientFailureLeavesStateAndRetries(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	)
	fake.updateErrs["rec-1"] = types.Faultf(types.FaultTransient, "update_record: HTTP 502")

	h := newHarness(t, singleJobDoc([]string{"1.1.1.1", "2.2.2.2"}), fake)
	ctx := context.Background()

	require.NoError(t, h.engine.RunOnce(ctx))
	st := h.state.JobState("job-1")
	assert.True(t, st.LastFiredAt.IsZero(), "failed rotation must not advance last_fired_at")
	assert.Equal(t, 0, st.Cursor)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, "1.1.1.1", fake.value("rec-1"))

	// Provider recovers; next tick retries and fires
	delete(fake.updateErrs, "rec-1")
	h.clk.Advance(time.Minute)
	require.NoError(t, h.engine.RunOnce(ctx))
	st = h.state.JobState("job-1")
	assert.Equal(t, "2.2.2.2", fake.value("rec-1"))
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestRecordScopeFaultQuarantinesWithoutStreak(t *testing.T) {
	fake := newFakeProvider() // Record does not exist at the provider
	h := newHarness(t, singleJobDoc([]string{"1.1.1.1", "2.2.2.2"}), fake)

	require.NoError(t, h.engine.RunOnce(context.Background()))
	st := h.state.JobState("job-1")
	assert.True(t, st.LastFiredAt.IsZero())
	assert.Equal(t, 0, st.ConsecutiveFailures, "quarantine must not count as a transient streak")
}

func multiPoolDoc() *config.Document {
	doc := singleJobDoc(nil)
	doc.Jobs[0].Kind = types.JobKindMultiPool
	doc.Jobs[0].Single = nil
	doc.Jobs[0].MultiPool = &types.MultiPoolSpec{
		RecordIDs:  []string{"rec-1", "rec-2"},
		RecordType: types.RecordTypeA,
		IPPool:     []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
	}
	return doc
}

func TestMultiPoolBatchAndCursor(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "r1.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
		&types.Record{ID: "rec-2", ZoneID: "zone-1", Name: "r2.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
	)
	h := newHarness(t, multiPoolDoc(), fake)
	ctx := context.Background()

	require.NoError(t, h.engine.RunOnce(ctx))
	assert.Equal(t, "10.0.0.1", fake.value("rec-1"))
	assert.Equal(t, "10.0.0.2", fake.value("rec-2"))
	assert.Equal(t, 1, h.state.JobState("job-1").Cursor)

	h.clk.Advance(5 * time.Minute)
	require.NoError(t, h.engine.RunOnce(ctx))
	assert.Equal(t, "10.0.0.2", fake.value("rec-1"))
	assert.Equal(t, "10.0.0.3", fake.value("rec-2"))
	assert.Equal(t, 2, h.state.JobState("job-1").Cursor)
}

func TestMultiPoolPartialFailureStillAdvancesCursor(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "r1.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
		&types.Record{ID: "rec-2", ZoneID: "zone-1", Name: "r2.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
	)
	fake.updateErrs["rec-2"] = types.Faultf(types.FaultTransient, "update_record: HTTP 502")

	h := newHarness(t, multiPoolDoc(), fake)
	require.NoError(t, h.engine.RunOnce(context.Background()))

	// The failed record keeps its previous value; the window still slides
	assert.Equal(t, "10.0.0.1", fake.value("rec-1"))
	assert.Equal(t, "0.0.0.0", fake.value("rec-2"))
	st := h.state.JobState("job-1")
	assert.Equal(t, 1, st.Cursor)
	assert.False(t, st.LastFiredAt.IsZero())
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestMultiPoolTotalFailureLeavesCursor(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "r1.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
		&types.Record{ID: "rec-2", ZoneID: "zone-1", Name: "r2.example.com", Type: types.RecordTypeA, Value: "0.0.0.0", TTL: 120},
	)
	fake.updateErrs["rec-1"] = types.Faultf(types.FaultTransient, "update_record: HTTP 502")
	fake.updateErrs["rec-2"] = types.Faultf(types.FaultTransient, "update_record: HTTP 502")

	h := newHarness(t, multiPoolDoc(), fake)
	require.NoError(t, h.engine.RunOnce(context.Background()))

	st := h.state.JobState("job-1")
	assert.Equal(t, 0, st.Cursor)
	assert.True(t, st.LastFiredAt.IsZero())
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestShuffleEndToEnd(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-a", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
		&types.Record{ID: "rec-b", ZoneID: "zone-1", Name: "b.example.com", Type: types.RecordTypeA, Value: "2.2.2.2", TTL: 300},
		&types.Record{ID: "rec-c", ZoneID: "zone-1", Name: "c.example.com", Type: types.RecordTypeA, Value: "3.3.3.3", TTL: 300},
	)
	doc := singleJobDoc(nil)
	doc.Jobs[0].Kind = types.JobKindShuffle
	doc.Jobs[0].Single = nil
	doc.Jobs[0].Shuffle = &types.ShuffleSpec{
		RecordIDs: []string{"rec-a", "rec-b", "rec-c"},
		Shift:     1,
	}

	h := newHarness(t, doc, fake)
	require.NoError(t, h.engine.RunOnce(context.Background()))

	assert.Equal(t, "2.2.2.2", fake.value("rec-a"))
	assert.Equal(t, "3.3.3.3", fake.value("rec-b"))
	assert.Equal(t, "1.1.1.1", fake.value("rec-c"))
	assert.False(t, h.state.JobState("job-1").LastFiredAt.IsZero())
}

func TestRunOnceMissingConfigIsConfigFault(t *testing.T) {
	dir := t.TempDir()
	stateStore, err := state.Open(filepath.Join(dir, "state.yaml"))
	require.NoError(t, err)

	eng := New(config.NewStore(filepath.Join(dir, "nope.yaml")), stateStore, newFakeProvider(), nil, clock.NewFake(time.Unix(0, 0)), Options{})
	err = eng.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.FaultConfig, types.KindOf(err))
}

func TestVerifyCredentials(t *testing.T) {
	fake := newFakeProvider()
	doc := singleJobDoc([]string{"1.1.1.1"})
	h := newHarness(t, doc, fake)

	require.NoError(t, h.engine.VerifyCredentials(context.Background(), doc))

	fake.verify = &provider.TokenStatus{Valid: false}
	err := h.engine.VerifyCredentials(context.Background(), doc)
	require.Error(t, err)
	assert.Equal(t, types.FaultAuth, types.KindOf(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	)
	h := newHarness(t, singleJobDoc([]string{"1.1.1.1", "2.2.2.2"}), fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx)
	}()

	// The immediate first tick fires the job
	require.Eventually(t, func() bool {
		return fake.updateCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestStatePrunedForRemovedJobs(t *testing.T) {
	fake := newFakeProvider(
		&types.Record{ID: "rec-1", ZoneID: "zone-1", Name: "a.example.com", Type: types.RecordTypeA, Value: "1.1.1.1", TTL: 300},
	)
	h := newHarness(t, singleJobDoc([]string{"1.1.1.1", "2.2.2.2"}), fake)

	require.NoError(t, h.state.RecordFiring("job-gone", time.Unix(1000, 0), 7))
	require.NoError(t, h.engine.RunOnce(context.Background()))

	assert.True(t, h.state.JobState("job-gone").LastFiredAt.IsZero())
	assert.False(t, h.state.JobState("job-1").LastFiredAt.IsZero())
}
