package zkverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/keyring"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
)

// EventKind is the state of one watched submission.
type EventKind string

const (
	// EventBroadcast means the proof reached the node's pool and is waiting
	// for inclusion. Not terminal.
	EventBroadcast EventKind = "broadcast"
	// EventIncluded means the proof landed in a block. Terminal.
	EventIncluded EventKind = "included"
	// EventError means the ledger rejected the proof or the session dropped.
	// Terminal.
	EventError EventKind = "error"
)

// SubmissionEvent is one update on a watched submission's event stream.
type SubmissionEvent struct {
	Kind          EventKind
	BlockHash     string
	AggregationID uint64
	Err           error
}

// AggregationReceipt is delivered on the session-level receipt subscription
// when the ledger publishes an aggregation containing one of our proofs.
type AggregationReceipt struct {
	BlockHash     string
	DomainID      uint32
	AggregationID uint64
}

type Config struct {
	Logger              *slog.Logger
	Clock               clockwork.Clock
	URL                 string
	Seed                string
	AccountCount        int
	DomainID            uint32
	VerificationKeyHash string
	DialTimeout         time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("ledger websocket URL is required")
	}
	if cfg.Seed == "" {
		return keyring.ErrMissingSeed
	}
	if cfg.AccountCount <= 0 {
		return errors.New("account count must be positive")
	}
	if cfg.VerificationKeyHash == "" {
		return errors.New("verification key hash is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client owns the websocket session to the ledger and the account roster
// derived from the base seed. The session handle is versioned: Reconnect
// replaces session and roster wholesale and bumps the generation counter, so
// an in-flight attempt holding the old generation can detect staleness and
// coalesce with a reconnect that already happened.
type Client struct {
	log *slog.Logger
	cfg Config

	mu         sync.Mutex
	sess       *session
	generation uint64
	accounts   []keyring.Account

	receiptsCh chan AggregationReceipt
}

// Dial bootstraps the ledger session: connects, verifies that our
// verification key is registered, derives the account roster, and subscribes
// to aggregation receipts. Any failure here is fatal to startup.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		log:        cfg.Logger,
		cfg:        cfg,
		receiptsCh: make(chan AggregationReceipt, 64),
	}

	accounts, err := keyring.Derive(cfg.Seed, cfg.AccountCount)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account roster: %w", err)
	}

	sess, err := c.connect(ctx, 1)
	if err != nil {
		return nil, err
	}

	c.generation = 1
	c.sess = sess
	c.accounts = accounts

	c.log.Info("zkverify: session established",
		"url", cfg.URL, "accounts", len(accounts), "domainId", cfg.DomainID)
	return c, nil
}

// connect dials a fresh session and runs the per-session bootstrap: vkey
// registration check plus the receipt subscription.
func (c *Client) connect(ctx context.Context, generation uint64) (*session, error) {
	sess, err := dialSession(ctx, c.log, c.cfg, generation, c.receiptsCh)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger session: %w", err)
	}

	registered, err := sess.vkeyRegistered(ctx, c.cfg.VerificationKeyHash)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("failed to query verification key registration: %w", err)
	}
	if !registered {
		sess.close()
		return nil, fmt.Errorf("verification key %s is not registered on the ledger", c.cfg.VerificationKeyHash)
	}

	if err := sess.subscribeReceipts(ctx, c.cfg.DomainID); err != nil {
		sess.close()
		return nil, fmt.Errorf("failed to subscribe to aggregation receipts: %w", err)
	}

	return sess, nil
}

// Accounts returns the current roster. The slice is a copy; the roster itself
// is only ever replaced wholesale by Reconnect.
func (c *Client) Accounts() []keyring.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	accounts := make([]keyring.Account, len(c.accounts))
	copy(accounts, c.accounts)
	return accounts
}

// Generation returns the current session generation.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Receipts delivers aggregation receipts published by the ledger. The channel
// survives reconnects.
func (c *Client) Receipts() <-chan AggregationReceipt {
	return c.receiptsCh
}

// Reconnect tears down the session identified by staleGeneration and builds a
// fresh one, re-deriving the full account roster with the same count, order,
// and roles. If another caller already reconnected past staleGeneration this
// is a no-op, so concurrent retry chains that lost the same session trigger
// exactly one rebuild. In-flight attempts on the old session are not
// cancelled; they fail naturally and pick up the new session on their next
// attempt.
func (c *Client) Reconnect(ctx context.Context, staleGeneration uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != staleGeneration {
		c.log.Debug("zkverify: reconnect coalesced",
			"staleGeneration", staleGeneration, "currentGeneration", c.generation)
		return nil
	}

	if c.sess != nil {
		c.sess.close()
	}

	accounts, err := keyring.Derive(c.cfg.Seed, c.cfg.AccountCount)
	if err != nil {
		return fmt.Errorf("failed to re-derive account roster: %w", err)
	}

	sess, err := c.connect(ctx, staleGeneration+1)
	if err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}

	c.generation = staleGeneration + 1
	c.sess = sess
	c.accounts = accounts
	metrics.ReconnectsTotal.Inc()

	c.log.Info("zkverify: session reconnected",
		"generation", c.generation, "accounts", len(accounts))
	return nil
}

// SubmitAndWatch submits one artifact for an account and returns the stream of
// submission events for it. The returned channel settles with exactly one
// terminal event (Included or Error); a dropped connection surfaces as an
// Error event on every open stream.
func (c *Client) SubmitAndWatch(ctx context.Context, account keyring.Account, artifact prover.Artifact) (<-chan SubmissionEvent, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return nil, errors.New("disconnected: no active ledger session")
	}

	return sess.submitAndWatch(ctx, submitParams{
		Address:             account.Address,
		VerificationKeyHash: c.cfg.VerificationKeyHash,
		Proof:               artifact.Proof,
		PublicValues:        artifact.PublicValues,
		DomainID:            c.cfg.DomainID,
	})
}

// Close tears down the current session. Used only on process shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}
}
