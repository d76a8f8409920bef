package pipeline

import (
	"encoding/json"
	"math/rand/v2"
)

// RandomInput produces a fresh random bit sequence for every task. This is
// the default input source: each artifact proves an independent randomly
// drawn flock state.
type RandomInput struct {
	// Bits is the sequence length; 0 means the default of 64.
	Bits int
}

func (r RandomInput) Next(cycleID string, accountIndex, artifact int) []byte {
	n := r.Bits
	if n <= 0 {
		n = 64
	}
	bits := make([]int, n)
	for i := range bits {
		bits[i] = rand.IntN(2)
	}
	payload, _ := json.Marshal(map[string]any{"bits": bits})
	return payload
}
