package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/keyring"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/stats"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/submit"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/testutil"
)

type mockLedgerSource struct {
	accounts []keyring.Account
}

func (m *mockLedgerSource) Accounts() []keyring.Account { return m.accounts }

type mockProducer struct {
	mu         sync.Mutex
	slots      []int
	witnessErr func(slot int) error
}

func (m *mockProducer) GenerateWitness(ctx context.Context, input []byte, slot int) (prover.Witness, error) {
	m.mu.Lock()
	m.slots = append(m.slots, slot)
	m.mu.Unlock()
	if m.witnessErr != nil {
		if err := m.witnessErr(slot); err != nil {
			return prover.Witness{}, err
		}
	}
	return prover.Witness{Path: "witness.wtns"}, nil
}

func (m *mockProducer) GenerateProof(ctx context.Context, slot int) (prover.Artifact, error) {
	return prover.Artifact{
		Proof:        json.RawMessage(`{"pi_a":["1"]}`),
		PublicValues: []string{"42"},
	}, nil
}

func (m *mockProducer) seenSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.slots))
	copy(out, m.slots)
	return out
}

type submissionStart struct {
	label string
	at    time.Time
}

type mockSubmitter struct {
	mu      sync.Mutex
	starts  []submissionStart
	outcome func(account keyring.Account, label string) submit.Outcome
}

func (m *mockSubmitter) Submit(ctx context.Context, account keyring.Account, artifact prover.Artifact, label string) submit.Outcome {
	m.mu.Lock()
	m.starts = append(m.starts, submissionStart{label: label, at: time.Now()})
	m.mu.Unlock()
	if m.outcome != nil {
		return m.outcome(account, label)
	}
	return submit.Outcome{
		AccountIndex:  account.Index,
		Label:         label,
		Attempts:      1,
		Included:      true,
		BlockHash:     "0xb10c",
		AggregationID: 1,
		Latency:       time.Millisecond,
	}
}

func (m *mockSubmitter) startTimes() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.starts))
	for _, s := range m.starts {
		out[s.label] = s.at
	}
	return out
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

func singleAccount() []keyring.Account {
	return []keyring.Account{{Index: 0, Address: "5Single", Role: keyring.RoleSingle}}
}

func tripleAccount() []keyring.Account {
	return []keyring.Account{{Index: 0, Address: "5Triple", Role: keyring.RoleTriplePrimary}}
}

func fullRoster(t *testing.T) []keyring.Account {
	t.Helper()
	accounts, err := keyring.Derive("winter wool harvest", 8)
	require.NoError(t, err)
	return accounts
}

func newTestPipeline(t *testing.T, accounts []keyring.Account, producer *mockProducer, submitter *mockSubmitter, offsets []time.Duration) (*Pipeline, *stats.Aggregator) {
	t.Helper()

	agg, err := stats.New(stats.Config{Logger: testutil.NewLogger(), AccountCount: len(accounts)})
	require.NoError(t, err)

	p, err := New(Config{
		Logger:         testutil.NewLogger(),
		Ledger:         &mockLedgerSource{accounts: accounts},
		Producer:       producer,
		Submitter:      submitter,
		Stats:          agg,
		Interval:       time.Second,
		StaggerOffsets: offsets,
	})
	require.NoError(t, err)
	return p, agg
}

func waitSettled(t *testing.T, agg *stats.Aggregator, want uint64) stats.Snapshot {
	t.Helper()
	var snap stats.Snapshot
	require.Eventually(t, func() bool {
		snap = agg.Snapshot()
		return snap.Successful+snap.Failed == want
	}, 5*time.Second, 10*time.Millisecond, "all dispatched tasks must settle")
	return snap
}

func TestShear_Pipeline_Config_Defaults(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Logger:    testutil.NewLogger(),
		Ledger:    &mockLedgerSource{accounts: singleAccount()},
		Producer:  &mockProducer{},
		Submitter: &mockSubmitter{},
	}
	agg, err := stats.New(stats.Config{Logger: testutil.NewLogger(), AccountCount: 1})
	require.NoError(t, err)
	cfg.Stats = agg

	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.Interval)
	require.Equal(t, []time.Duration{0, 7 * time.Second, 13 * time.Second}, cfg.StaggerOffsets)
}

func TestShear_Pipeline_Cycle_DispatchesThreePerTriplePlusOnePerSingle(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, fullRoster(t), producer, submitter, []time.Duration{0, time.Millisecond, 2 * time.Millisecond})

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 10)
	require.Equal(t, uint64(10), snap.TotalAttempts, "1 triple + 7 singles dispatch 3+7 tasks")
	require.Equal(t, 10, submitter.count())
	require.Equal(t, stats.AccountStats{Submitted: 3, Successful: 3, Failed: 0}, snap.Accounts[0])
}

func TestShear_Pipeline_Cycle_SlotsAreUniqueAcrossConcurrentGenerations(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, fullRoster(t), producer, submitter, []time.Duration{0, time.Millisecond, 2 * time.Millisecond})

	require.NoError(t, p.RunOnce(context.Background()))
	waitSettled(t, agg, 10)

	slots := producer.seenSlots()
	require.Len(t, slots, 10)
	seen := make(map[int]bool)
	for _, s := range slots {
		require.False(t, seen[s], "slot %d used by two concurrent generations", s)
		seen[s] = true
	}
}

func TestShear_Pipeline_SingleAccount_SuccessfulSubmission(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, singleAccount(), producer, submitter, nil)

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 1)
	require.Equal(t, stats.AccountStats{Submitted: 1, Successful: 1, Failed: 0}, snap.Accounts[0])
}

func TestShear_Pipeline_SingleAccount_GenerationFailureSkipsSubmission(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{witnessErr: func(int) error {
		return &prover.GenerationError{Phase: "witness", Slot: 0, Err: errors.New("exit status 1")}
	}}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, singleAccount(), producer, submitter, nil)

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 1)
	require.Equal(t, stats.AccountStats{Submitted: 1, Successful: 0, Failed: 1}, snap.Accounts[0])
	require.Equal(t, 0, submitter.count(), "no submission may be attempted after a generation failure")
}

func TestShear_Pipeline_SingleAccount_FinalSubmissionFailureIsContained(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{}
	submitter := &mockSubmitter{outcome: func(account keyring.Account, label string) submit.Outcome {
		return submit.Outcome{
			AccountIndex: account.Index,
			Label:        label,
			Attempts:     3,
			Err:          errors.New("timeout: no inclusion within 20s"),
		}
	}}
	p, agg := newTestPipeline(t, singleAccount(), producer, submitter, nil)

	require.NoError(t, p.RunOnce(context.Background()), "task failures never escape the cycle")

	snap := waitSettled(t, agg, 1)
	require.Equal(t, stats.AccountStats{Submitted: 1, Successful: 0, Failed: 1}, snap.Accounts[0])
}

func TestShear_Pipeline_Triple_StaggersSubmissionStarts(t *testing.T) {
	t.Parallel()

	offsets := []time.Duration{0, 150 * time.Millisecond, 300 * time.Millisecond}
	producer := &mockProducer{}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, tripleAccount(), producer, submitter, offsets)

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 3)
	require.Equal(t, stats.AccountStats{Submitted: 3, Successful: 3, Failed: 0}, snap.Accounts[0])

	starts := submitter.startTimes()
	require.Len(t, starts, 3)
	deltaB := starts["triple-B"].Sub(starts["triple-A"])
	deltaC := starts["triple-C"].Sub(starts["triple-A"])
	require.InDelta(t, offsets[1].Milliseconds(), deltaB.Milliseconds(), 75,
		"second artifact starts one offset after the first")
	require.InDelta(t, offsets[2].Milliseconds(), deltaC.Milliseconds(), 75,
		"third artifact starts two offsets after the first")
}

func TestShear_Pipeline_Triple_GenerationFailureCountsThree(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{witnessErr: func(slot int) error {
		if slot == 1 { // second sub-slot of the triple strategy
			return &prover.GenerationError{Phase: "witness", Slot: slot, Err: errors.New("exit status 2")}
		}
		return nil
	}}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, tripleAccount(), producer, submitter, []time.Duration{0, time.Millisecond, 2 * time.Millisecond})

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 3)
	require.Equal(t, stats.AccountStats{Submitted: 3, Successful: 0, Failed: 3}, snap.Accounts[0])
	require.Equal(t, 0, submitter.count())
}

func TestShear_Pipeline_Cycle_OneAccountFailureDoesNotAbortOthers(t *testing.T) {
	t.Parallel()

	producer := &mockProducer{witnessErr: func(slot int) error {
		if slot == 3 {
			return &prover.GenerationError{Phase: "witness", Slot: slot, Err: errors.New("exit status 1")}
		}
		return nil
	}}
	submitter := &mockSubmitter{}
	p, agg := newTestPipeline(t, fullRoster(t), producer, submitter, []time.Duration{0, time.Millisecond, 2 * time.Millisecond})

	require.NoError(t, p.RunOnce(context.Background()))

	snap := waitSettled(t, agg, 10)
	require.Equal(t, uint64(9), snap.Successful)
	require.Equal(t, uint64(1), snap.Failed)
	require.Equal(t, stats.AccountStats{Submitted: 1, Successful: 0, Failed: 1}, snap.Accounts[3])
}

func TestShear_Pipeline_RunOnce_EmptyRosterIsDispatchError(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, nil, &mockProducer{}, &mockSubmitter{}, nil)
	require.Error(t, p.RunOnce(context.Background()))
}

func TestShear_Pipeline_Ready_AfterFirstGenerationPhase(t *testing.T) {
	t.Parallel()

	p, agg := newTestPipeline(t, singleAccount(), &mockProducer{}, &mockSubmitter{}, nil)
	require.False(t, p.Ready(), "not ready before the first cycle")

	require.NoError(t, p.RunOnce(context.Background()))
	require.True(t, p.Ready())
	waitSettled(t, agg, 1)
}

func TestShear_Pipeline_Start_WaitsIntervalBetweenCycles(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	submitter := &mockSubmitter{}
	agg, err := stats.New(stats.Config{Logger: testutil.NewLogger(), AccountCount: 1})
	require.NoError(t, err)

	p, err := New(Config{
		Logger:    testutil.NewLogger(),
		Clock:     clock,
		Ledger:    &mockLedgerSource{accounts: singleAccount()},
		Producer:  &mockProducer{},
		Submitter: submitter,
		Stats:     agg,
		Interval:  time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// The first cycle runs immediately.
	require.Eventually(t, func() bool { return agg.Snapshot().Cycles == 1 },
		5*time.Second, 10*time.Millisecond)

	// The loop must now be parked on the interval timer.
	clock.BlockUntil(1)
	require.Equal(t, uint64(1), agg.Snapshot().Cycles)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return agg.Snapshot().Cycles == 2 },
		5*time.Second, 10*time.Millisecond)
}

func TestShear_Pipeline_Registry_TracksInFlightChains(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	producer := &mockProducer{}
	submitter := &mockSubmitter{outcome: func(account keyring.Account, label string) submit.Outcome {
		<-release
		return submit.Outcome{AccountIndex: account.Index, Label: label, Attempts: 1, Included: true}
	}}
	p, agg := newTestPipeline(t, singleAccount(), producer, submitter, nil)

	require.NoError(t, p.RunOnce(context.Background()))
	require.Eventually(t, func() bool { return p.Registry().InFlight() == 1 },
		time.Second, 5*time.Millisecond)

	close(release)
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Equal(t, 0, p.Registry().Drain(drainCtx))
	waitSettled(t, agg, 1)
}
