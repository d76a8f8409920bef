package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Artifact is one generated proof plus its public values, ready for
// submission. Immutable after creation; owned by the task that requested it
// until a submission attempt consumes it.
type Artifact struct {
	Proof        json.RawMessage
	PublicValues []string
}

// Witness is the output of the first generation phase, addressed on disk by
// the slot that produced it.
type Witness struct {
	Path string
}

// GenerationError marks a terminal artifact-generation failure. Generation is
// never retried: the task is counted as failed and the cycle moves on.
type GenerationError struct {
	Phase string
	Slot  int
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed (slot %d): %v", e.Phase, e.Slot, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Producer turns raw input into a submission-ready artifact in two phases.
// Concurrent calls must use distinct slots; the producer guarantees no
// cross-talk between slots.
type Producer interface {
	GenerateWitness(ctx context.Context, input []byte, slot int) (Witness, error)
	GenerateProof(ctx context.Context, slot int) (Artifact, error)
}

type Config struct {
	Logger     *slog.Logger
	WitnessBin string
	ProverBin  string
	Circuit    string
	WorkDir    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WitnessBin == "" {
		return errors.New("witness binary path is required")
	}
	if cfg.ProverBin == "" {
		return errors.New("prover binary path is required")
	}
	if cfg.Circuit == "" {
		return errors.New("circuit path is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return nil
}

// BinaryProducer shells out to external witness and prover binaries. Each slot
// gets its own working directory so concurrently outstanding generations never
// collide on temp files.
type BinaryProducer struct {
	log *slog.Logger
	cfg Config
}

func NewBinaryProducer(cfg Config) (*BinaryProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BinaryProducer{log: cfg.Logger, cfg: cfg}, nil
}

func (p *BinaryProducer) GenerateWitness(ctx context.Context, input []byte, slot int) (Witness, error) {
	dir, err := p.slotDir(slot)
	if err != nil {
		return Witness{}, &GenerationError{Phase: "witness", Slot: slot, Err: err}
	}

	inputPath := filepath.Join(dir, "input.json")
	witnessPath := filepath.Join(dir, "witness.wtns")
	if err := os.WriteFile(inputPath, input, 0o644); err != nil {
		return Witness{}, &GenerationError{Phase: "witness", Slot: slot, Err: fmt.Errorf("failed to write input: %w", err)}
	}

	cmd := exec.CommandContext(ctx, p.cfg.WitnessBin, p.cfg.Circuit, inputPath, witnessPath)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return Witness{}, &GenerationError{
			Phase: "witness",
			Slot:  slot,
			Err:   fmt.Errorf("%w: %s", err, truncate(out, 512)),
		}
	}

	p.log.Debug("prover: witness generated", "slot", slot, "path", witnessPath)
	return Witness{Path: witnessPath}, nil
}

func (p *BinaryProducer) GenerateProof(ctx context.Context, slot int) (Artifact, error) {
	dir, err := p.slotDir(slot)
	if err != nil {
		return Artifact{}, &GenerationError{Phase: "proof", Slot: slot, Err: err}
	}

	witnessPath := filepath.Join(dir, "witness.wtns")
	proofPath := filepath.Join(dir, "proof.json")
	publicPath := filepath.Join(dir, "public.json")

	cmd := exec.CommandContext(ctx, p.cfg.ProverBin, witnessPath, proofPath, publicPath)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return Artifact{}, &GenerationError{
			Phase: "proof",
			Slot:  slot,
			Err:   fmt.Errorf("%w: %s", err, truncate(out, 512)),
		}
	}

	proof, err := os.ReadFile(proofPath)
	if err != nil {
		return Artifact{}, &GenerationError{Phase: "proof", Slot: slot, Err: fmt.Errorf("failed to read proof output: %w", err)}
	}
	if !json.Valid(proof) {
		return Artifact{}, &GenerationError{Phase: "proof", Slot: slot, Err: errors.New("prover produced malformed proof JSON")}
	}

	publicRaw, err := os.ReadFile(publicPath)
	if err != nil {
		return Artifact{}, &GenerationError{Phase: "proof", Slot: slot, Err: fmt.Errorf("failed to read public signals: %w", err)}
	}
	var publicValues []string
	if err := json.Unmarshal(publicRaw, &publicValues); err != nil {
		return Artifact{}, &GenerationError{Phase: "proof", Slot: slot, Err: fmt.Errorf("failed to parse public signals: %w", err)}
	}

	p.log.Debug("prover: proof generated", "slot", slot, "publicSignals", len(publicValues))
	return Artifact{Proof: proof, PublicValues: publicValues}, nil
}

func (p *BinaryProducer) slotDir(slot int) (string, error) {
	dir := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("slot-%d", slot))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create slot dir: %w", err)
	}
	return dir, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
