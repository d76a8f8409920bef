package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/keyring"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/stats"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/store"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/submit"
)

// LedgerSource provides the current account roster. The roster is replaced
// wholesale on reconnect; each cycle reads it fresh.
type LedgerSource interface {
	Accounts() []keyring.Account
}

// ProofSubmitter runs the full attempt chain for one artifact and settles
// without ever returning a Go error.
type ProofSubmitter interface {
	Submit(ctx context.Context, account keyring.Account, artifact prover.Artifact, label string) submit.Outcome
}

// InputSource supplies the raw input bits for one artifact generation.
type InputSource interface {
	Next(cycleID string, accountIndex, artifact int) []byte
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ledger    LedgerSource
	Producer  prover.Producer
	Submitter ProofSubmitter
	Stats     *stats.Aggregator
	Store     *store.Store
	Input     InputSource

	// Interval is the wait between cycles, measured from the end of each
	// cycle's generation phase.
	Interval time.Duration

	// StaggerOffsets are the submission start offsets for the three
	// triple-strategy artifacts, measured from the moment all three are
	// ready.
	StaggerOffsets []time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger source is required")
	}
	if cfg.Producer == nil {
		return errors.New("producer is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Stats == nil {
		return errors.New("stats aggregator is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if len(cfg.StaggerOffsets) == 0 {
		cfg.StaggerOffsets = []time.Duration{0, 7 * time.Second, 13 * time.Second}
	}
	if len(cfg.StaggerOffsets) != 3 {
		return fmt.Errorf("exactly 3 stagger offsets required, got %d", len(cfg.StaggerOffsets))
	}
	if cfg.Input == nil {
		cfg.Input = RandomInput{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cycle is one scheduler iteration. Its generation lifetime ends when every
// account's generate-and-dispatch has completed; monitoring of the dispatched
// submission chains continues in the background.
type Cycle struct {
	ID        string
	StartTime time.Time
}

// Pipeline fans one cycle of work out across the account roster: a single
// generate-then-submit task per account, and the staggered triple strategy
// for the triple-primary account. It waits only for generation and dispatch;
// submission chains settle in the background under the result monitor.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	registry *Registry

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:      cfg.Logger,
		cfg:      cfg,
		registry: NewRegistry(),
		readyCh:  make(chan struct{}),
	}, nil
}

// Ready reports whether at least one cycle has completed its generation
// phase.
func (p *Pipeline) Ready() bool {
	select {
	case <-p.readyCh:
		return true
	default:
		return false
	}
}

// Registry exposes the in-flight task registry for shutdown accounting.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Start runs the continuous scheduler loop on its own goroutine: run one
// cycle, wait the configured interval from the end of its generation phase,
// run the next. Nothing that happens inside a cycle stops the loop; only
// context cancellation (process termination) ends it.
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		p.log.Info("pipeline: starting cycle loop", "interval", p.cfg.Interval)
		for {
			p.safeCycle(ctx)
			select {
			case <-ctx.Done():
				p.log.Info("pipeline: cycle loop stopped", "reason", ctx.Err())
				return
			case <-p.cfg.Clock.After(p.cfg.Interval):
			}
		}
	}()
}

// RunOnce executes exactly one cycle. The returned error covers dispatch
// itself (an empty roster, a cancelled context); individual task failures
// never propagate.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	return p.runCycle(ctx)
}

func (p *Pipeline) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline: cycle panicked", "panic", r)
		}
	}()
	if err := p.runCycle(ctx); err != nil {
		p.log.Error("pipeline: cycle dispatch failed", "error", err)
	}
}

func (p *Pipeline) runCycle(ctx context.Context) error {
	cycle := Cycle{ID: uuid.NewString(), StartTime: p.cfg.Clock.Now()}
	accounts := p.cfg.Ledger.Accounts()
	if len(accounts) == 0 {
		return errors.New("account roster is empty")
	}

	expected := 0
	for _, acct := range accounts {
		if acct.Role == keyring.RoleTriplePrimary {
			expected += 3
		} else {
			expected++
		}
	}

	p.log.Info("pipeline: cycle dispatch",
		"cycle", cycle.ID, "accounts", len(accounts), "expectedSubmissions", expected)

	col := newCollector(expected)

	// All accounts start simultaneously; one account's failure never
	// aborts another's task or the cycle.
	var g errgroup.Group
	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("pipeline: account task panicked",
						"cycle", cycle.ID, "account", acct.Index, "panic", r)
				}
			}()
			if acct.Role == keyring.RoleTriplePrimary {
				p.runTriple(ctx, cycle, acct, len(accounts), col)
			} else {
				p.runSingle(ctx, cycle, acct, col)
			}
			return nil
		})
	}
	_ = g.Wait() // generation and dispatch only; submissions settle in the background

	p.cfg.Stats.RecordCycle()
	p.readyOnce.Do(func() { close(p.readyCh) })

	go p.monitor(cycle, col)

	p.log.Info("pipeline: cycle generation phase complete",
		"cycle", cycle.ID, "elapsed", p.cfg.Clock.Since(cycle.StartTime))
	return nil
}

// runSingle is the one-artifact strategy: generate, then hand the submission
// chain off to the background.
func (p *Pipeline) runSingle(ctx context.Context, cycle Cycle, acct keyring.Account, col *collector) {
	p.cfg.Stats.RecordDispatch(acct.Index, 1)

	input := p.cfg.Input.Next(cycle.ID, acct.Index, 0)
	art, err := p.generate(ctx, input, acct.Index, "single")
	if err != nil {
		p.log.Error("pipeline: generation failed",
			"cycle", cycle.ID, "account", acct.Index, "error", err)
		col.push(settledTask{
			account: acct,
			outcome: submit.Outcome{AccountIndex: acct.Index, Label: "single", Err: err},
		})
		return
	}

	p.dispatch(ctx, acct, art, input, "single", 0, col)
}

// runTriple is the staggered three-artifact strategy for the triple-primary
// account: three concurrent generations on distinct slots, then three
// submission chains started at the configured offsets from the moment all
// three artifacts are ready. Returns once the offsets are scheduled.
func (p *Pipeline) runTriple(ctx context.Context, cycle Cycle, acct keyring.Account, rosterSize int, col *collector) {
	p.cfg.Stats.RecordDispatch(acct.Index, 3)

	artifacts := make([]prover.Artifact, 3)
	inputs := make([][]byte, 3)

	var g errgroup.Group
	for k := 0; k < 3; k++ {
		k := k
		g.Go(func() error {
			// Slots stride by roster size so the three sub-slots never
			// collide with each other or with any single account's slot.
			slot := acct.Index + k*rosterSize
			inputs[k] = p.cfg.Input.Next(cycle.ID, acct.Index, k)
			art, err := p.generate(ctx, inputs[k], slot, "triple")
			if err != nil {
				return err
			}
			artifacts[k] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// The triple strategy is all-or-nothing: a generation failure
		// settles all three tasks as failed.
		p.log.Error("pipeline: triple generation failed",
			"cycle", cycle.ID, "account", acct.Index, "error", err)
		for k := 0; k < 3; k++ {
			col.push(settledTask{
				account: acct,
				outcome: submit.Outcome{AccountIndex: acct.Index, Label: tripleLabel(k), Err: err},
			})
		}
		return
	}

	for k := 0; k < 3; k++ {
		p.dispatch(ctx, acct, artifacts[k], inputs[k], tripleLabel(k), p.cfg.StaggerOffsets[k], col)
	}
}

func tripleLabel(k int) string {
	return fmt.Sprintf("triple-%c", 'A'+k)
}

// generate runs the two-phase artifact production. A failure in either phase
// is terminal for the task; generation is never retried.
func (p *Pipeline) generate(ctx context.Context, input []byte, slot int, strategy string) (prover.Artifact, error) {
	start := p.cfg.Clock.Now()
	if _, err := p.cfg.Producer.GenerateWitness(ctx, input, slot); err != nil {
		return prover.Artifact{}, err
	}
	art, err := p.cfg.Producer.GenerateProof(ctx, slot)
	if err != nil {
		return prover.Artifact{}, err
	}
	metrics.GenerationDuration.WithLabelValues(strategy).Observe(p.cfg.Clock.Since(start).Seconds())
	return art, nil
}

// dispatch hands one submission chain off to the background, retained in the
// task registry. The generation phase does not wait for it.
func (p *Pipeline) dispatch(ctx context.Context, acct keyring.Account, art prover.Artifact, input []byte, label string, offset time.Duration, col *collector) {
	p.registry.Add()
	go func() {
		defer p.registry.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("pipeline: submission task panicked",
					"account", acct.Index, "label", label, "panic", r)
				col.push(settledTask{
					account: acct,
					outcome: submit.Outcome{AccountIndex: acct.Index, Label: label, Err: fmt.Errorf("task panicked: %v", r)},
				})
			}
		}()

		if offset > 0 {
			select {
			case <-p.cfg.Clock.After(offset):
			case <-ctx.Done():
				col.push(settledTask{
					account: acct,
					outcome: submit.Outcome{AccountIndex: acct.Index, Label: label, Err: ctx.Err()},
				})
				return
			}
		}

		out := p.cfg.Submitter.Submit(ctx, acct, art, label)
		col.push(settledTask{
			account:       acct,
			artifact:      art,
			inputSummary:  summarize(input),
			publicSignals: len(art.PublicValues),
			outcome:       out,
		})
	}()
}
