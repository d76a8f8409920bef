package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
)

// SubmissionRecord is appended once per successfully included submission.
type SubmissionRecord struct {
	Account            string    `json:"account"`
	InputSummary       string    `json:"inputSummary"`
	Statement          string    `json:"statement"`
	AggregationID      uint64    `json:"aggregationId"`
	Timestamp          time.Time `json:"timestamp"`
	PublicSignalsCount int       `json:"publicSignalsCount"`
}

// ReceiptRecord is appended once per aggregation receipt received from the
// ledger.
type ReceiptRecord struct {
	BlockHash     string    `json:"blockHash"`
	DomainID      uint32    `json:"domainId"`
	AggregationID uint64    `json:"aggregationId"`
	Timestamp     time.Time `json:"timestamp"`
}

type Config struct {
	Logger *slog.Logger
	Dir    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("data directory is required")
	}
	return nil
}

// Store is the append-only JSON persistence sink. Filenames carry a
// monotonically increasing counter that survives restarts. Writes are best
// effort: a failure is logged and counted, never returned to the pipeline.
type Store struct {
	log *slog.Logger
	dir string

	mu      sync.Mutex
	counter uint64
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{log: cfg.Logger, dir: cfg.Dir}
	s.counter = s.scanCounter()
	return s, nil
}

// scanCounter resumes the filename counter past any records already on disk.
func (s *Store) scanCounter() uint64 {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("store: failed to scan data directory", "dir", s.dir, "error", err)
		return 0
	}

	var max uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		base := strings.TrimSuffix(name, ".json")
		idx := strings.LastIndexByte(base, '-')
		if idx < 0 {
			continue
		}
		n, err := strconv.ParseUint(base[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// WriteSubmission appends one submission record. Failures are swallowed.
func (s *Store) WriteSubmission(rec SubmissionRecord) {
	s.write("submission", rec)
}

// WriteReceipt appends one aggregation receipt record. Failures are swallowed.
func (s *Store) WriteReceipt(rec ReceiptRecord) {
	s.write("receipt", rec)
}

func (s *Store) write(kind string, rec any) {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.log.Error("store: failed to marshal record", "kind", kind, "error", err)
		metrics.PersistenceWriteFailures.Inc()
		return
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s-%06d.json", kind, n))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Error("store: failed to write record", "kind", kind, "path", path, "error", err)
		metrics.PersistenceWriteFailures.Inc()
		return
	}

	s.log.Debug("store: record written", "kind", kind, "path", path)
}
