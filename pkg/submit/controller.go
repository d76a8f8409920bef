package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/keyring"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/zkverify"
)

// Ledger is the slice of the submission client the controller needs. The
// generation counter lets a retry chain that lost its session request exactly
// one reconnect even when several chains lost the same session.
type Ledger interface {
	SubmitAndWatch(ctx context.Context, account keyring.Account, artifact prover.Artifact) (<-chan zkverify.SubmissionEvent, error)
	Generation() uint64
	Reconnect(ctx context.Context, staleGeneration uint64) error
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Ledger      Ledger
	MaxAttempts int
	Deadline    time.Duration
	Backoff     time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 20 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Outcome is the settled result of one submission task (the full attempt
// chain for one artifact). Err is set only when the task finally failed; a
// failed task never surfaces as a Go error to the caller.
type Outcome struct {
	AccountIndex  int
	Label         string
	Attempts      int
	Included      bool
	BlockHash     string
	AggregationID uint64
	Latency       time.Duration
	Err           error
}

// Controller wraps one submission in the bounded retry policy: up to
// MaxAttempts attempts, each raced against the inclusion deadline, failures
// classified against the known message table, connection-class failures
// triggering a session reconnect before the next attempt.
type Controller struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{log: cfg.Logger, cfg: cfg}, nil
}

// Submit runs the attempt chain for one artifact. It never returns an error;
// exhausted or abandoned tasks come back as a failed Outcome.
func (c *Controller) Submit(ctx context.Context, account keyring.Account, artifact prover.Artifact, label string) Outcome {
	start := c.cfg.Clock.Now()
	out := Outcome{AccountIndex: account.Index, Label: label}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		generation := c.cfg.Ledger.Generation()

		ev, err := c.attempt(ctx, account, artifact)
		if err == nil {
			out.Included = true
			out.BlockHash = ev.BlockHash
			out.AggregationID = ev.AggregationID
			out.Latency = c.cfg.Clock.Since(start)
			metrics.SubmissionAttemptsTotal.WithLabelValues("included").Inc()
			metrics.SubmissionDuration.Observe(out.Latency.Seconds())
			c.log.Info("submit: proof included",
				"account", account.Index, "label", label, "attempt", attempt,
				"block", ev.BlockHash, "aggregationId", ev.AggregationID,
				"latency", out.Latency)
			return out
		}

		lastErr = err
		cls := Classify(err)
		metrics.SubmissionAttemptsTotal.WithLabelValues(cls.String()).Inc()
		c.log.Warn("submit: attempt failed",
			"account", account.Index, "label", label, "attempt", attempt,
			"classification", cls.String(), "error", err)

		if !cls.Retryable() || attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-c.cfg.Clock.After(c.cfg.Backoff):
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		}

		if cls == RetryableConnection {
			if rerr := c.cfg.Ledger.Reconnect(ctx, generation); rerr != nil {
				// Keep retrying; the next attempt fails fast against
				// the dead session and classifies again.
				c.log.Error("submit: reconnect failed",
					"account", account.Index, "generation", generation, "error", rerr)
			}
		}
	}

	out.Err = lastErr
	c.log.Error("submit: task abandoned",
		"account", account.Index, "label", label, "attempts", out.Attempts, "error", lastErr)
	return out
}

// attempt performs one submission and races its event stream against the
// inclusion deadline.
func (c *Controller) attempt(ctx context.Context, account keyring.Account, artifact prover.Artifact) (zkverify.SubmissionEvent, error) {
	events, err := c.cfg.Ledger.SubmitAndWatch(ctx, account, artifact)
	if err != nil {
		return zkverify.SubmissionEvent{}, err
	}

	timer := c.cfg.Clock.NewTimer(c.cfg.Deadline)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return zkverify.SubmissionEvent{}, errors.New("disconnected: submission event stream closed")
			}
			switch ev.Kind {
			case zkverify.EventBroadcast:
				// In the pool, still waiting for inclusion.
			case zkverify.EventIncluded:
				return ev, nil
			case zkverify.EventError:
				if ev.Err != nil {
					return zkverify.SubmissionEvent{}, ev.Err
				}
				return zkverify.SubmissionEvent{}, errors.New("ledger reported submission failure")
			}
		case <-timer.Chan():
			return zkverify.SubmissionEvent{}, fmt.Errorf("timeout: no inclusion within %s", c.cfg.Deadline)
		case <-ctx.Done():
			return zkverify.SubmissionEvent{}, ctx.Err()
		}
	}
}
