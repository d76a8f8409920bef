package pipeline

import (
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/keyring"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/store"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/submit"
)

// settledTask pairs a submission outcome with the context the persistence
// record needs.
type settledTask struct {
	account       keyring.Account
	artifact      prover.Artifact
	inputSummary  string
	publicSignals int
	outcome       submit.Outcome
}

// collector gathers the settled tasks of one cycle. The channel is buffered
// to the cycle's expected task count, so pushing never blocks a task chain.
type collector struct {
	ch       chan settledTask
	expected int
}

func newCollector(expected int) *collector {
	return &collector{ch: make(chan settledTask, expected), expected: expected}
}

func (c *collector) push(t settledTask) {
	c.ch <- t
}

// monitor is the cycle's background result monitor: it waits for every
// dispatched task to settle, updates statistics, persists successful
// submissions, and emits the aggregate report. It runs independently of the
// next-cycle timer and never lets an internal fault escape.
func (p *Pipeline) monitor(cycle Cycle, col *collector) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline: result monitor panicked", "cycle", cycle.ID, "panic", r)
		}
	}()

	var (
		successful int
		failed     int
		minLatency time.Duration
		maxLatency time.Duration
		sumLatency time.Duration
	)

	for i := 0; i < col.expected; i++ {
		t := <-col.ch

		if t.outcome.Included {
			successful++
			p.cfg.Stats.RecordSuccess(t.account.Index)

			lat := t.outcome.Latency
			if successful == 1 || lat < minLatency {
				minLatency = lat
			}
			if lat > maxLatency {
				maxLatency = lat
			}
			sumLatency += lat

			if p.cfg.Store != nil {
				p.cfg.Store.WriteSubmission(store.SubmissionRecord{
					Account:            t.account.Address,
					InputSummary:       t.inputSummary,
					Statement:          statementOf(t.artifact),
					AggregationID:      t.outcome.AggregationID,
					Timestamp:          p.cfg.Clock.Now(),
					PublicSignalsCount: t.publicSignals,
				})
			}
			continue
		}

		failed++
		p.cfg.Stats.RecordFailure(t.account.Index)
	}

	report := p.log.With(
		"cycle", cycle.ID,
		"settled", col.expected,
		"successful", successful,
		"failed", failed,
	)
	if successful > 0 {
		report.Info("pipeline: cycle settled",
			"minLatency", minLatency,
			"avgLatency", sumLatency/time.Duration(successful),
			"maxLatency", maxLatency)
	} else {
		report.Info("pipeline: cycle settled")
	}
}

// statementOf derives the statement identifier recorded for a submission.
func statementOf(art prover.Artifact) string {
	h := blake2b.Sum256(art.Proof)
	return base58.Encode(h[:])
}

// summarize renders the input bits compactly for the persistence record.
func summarize(input []byte) string {
	h := blake2b.Sum256(input)
	return base58.Encode(h[:8])
}
