package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
)

// AccountStats holds the per-account submission counters. Counters are never
// decremented; successful+failed trails submitted while task chains are still
// in flight and catches up once every dispatched task has settled.
type AccountStats struct {
	Submitted  uint64 `json:"submitted"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

// Snapshot is a point-in-time copy of all counters, consumed by the health
// endpoint and the cycle report.
type Snapshot struct {
	Accounts      []AccountStats `json:"accounts"`
	TotalAttempts uint64         `json:"totalAttempts"`
	Successful    uint64         `json:"successful"`
	Failed        uint64         `json:"failed"`
	Cycles        uint64         `json:"cycles"`
	StartTime     time.Time      `json:"startTime"`
	Uptime        string         `json:"uptime"`
}

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	AccountCount int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.AccountCount <= 0 {
		return errors.New("account count must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Aggregator owns all submission counters. Dispatch increments come from the
// worker coordinator, resolution increments from the result monitor; both can
// run on concurrent goroutines, so all three fields of an account move under
// one lock to keep successful+failed <= submitted observable at any instant.
type Aggregator struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu        sync.Mutex
	accounts  []AccountStats
	cycles    uint64
	startTime time.Time
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		accounts:  make([]AccountStats, cfg.AccountCount),
		startTime: cfg.Clock.Now(),
	}, nil
}

// RecordDispatch notes that n submission tasks were dispatched for an account.
func (a *Aggregator) RecordDispatch(accountIndex int, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(accountIndex) {
		return
	}
	a.accounts[accountIndex].Submitted += n
}

// RecordSuccess notes one settled, included submission for an account.
func (a *Aggregator) RecordSuccess(accountIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(accountIndex) {
		return
	}
	a.accounts[accountIndex].Successful++
	metrics.SubmissionsTotal.WithLabelValues(strconv.Itoa(accountIndex), "success").Inc()
}

// RecordFailure notes one settled, finally-failed submission for an account.
func (a *Aggregator) RecordFailure(accountIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(accountIndex) {
		return
	}
	a.accounts[accountIndex].Failed++
	metrics.SubmissionsTotal.WithLabelValues(strconv.Itoa(accountIndex), "failed").Inc()
}

func (a *Aggregator) RecordCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycles++
	metrics.CyclesTotal.Inc()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	accounts := make([]AccountStats, len(a.accounts))
	copy(accounts, a.accounts)

	snap := Snapshot{
		Accounts:  accounts,
		Cycles:    a.cycles,
		StartTime: a.startTime,
		Uptime:    a.clock.Since(a.startTime).Round(time.Second).String(),
	}
	for _, acct := range accounts {
		snap.TotalAttempts += acct.Submitted
		snap.Successful += acct.Successful
		snap.Failed += acct.Failed
	}
	return snap
}

func (a *Aggregator) validIndex(i int) bool {
	if i < 0 || i >= len(a.accounts) {
		a.log.Error("stats: account index out of range", "index", i, "accounts", len(a.accounts))
		return false
	}
	return true
}

func (s Snapshot) String() string {
	return fmt.Sprintf("attempts=%d successful=%d failed=%d cycles=%d uptime=%s",
		s.TotalAttempts, s.Successful, s.Failed, s.Cycles, s.Uptime)
}
