package collector

import (
	"math"
	"strings"
	"sync"
	"time"

	"firestige.xyz/otus/internal/model"
)

// Waveform identifies a deterministic per-tag signal shape (spec.md §4.3).
type Waveform string

const (
	WaveSine       Waveform = "sine"
	WaveSawtooth   Waveform = "sawtooth"
	WaveRandomWalk Waveform = "random-walk"
	WaveStep       Waveform = "step"
	WaveCounter    Waveform = "counter"
)

// waveformFor picks a shape from the tag's explicit metadata if present,
// otherwise falls back to a name heuristic so a bare simulation config
// still produces varied, recognizable signals.
func waveformFor(t model.Tag) Waveform {
	if w, ok := t.Metadata["waveform"]; ok {
		return Waveform(w)
	}
	name := strings.ToLower(t.Name)
	switch {
	case strings.Contains(name, "count"):
		return WaveCounter
	case strings.Contains(name, "state"), strings.Contains(name, "run"):
		return WaveStep
	case strings.Contains(name, "vibration"), strings.Contains(name, "noise"):
		return WaveRandomWalk
	case strings.Contains(name, "ramp"), strings.Contains(name, "position"):
		return WaveSawtooth
	default:
		return WaveSine
	}
}

// simulator generates deterministic values for one tag. Determinism is
// keyed off elapsed simulated time (periodMs), not wall clock jitter, so
// repeated runs of a test produce identical waveforms.
type simulator struct {
	mu       sync.Mutex
	kind     Waveform
	periodMs int64
	amp      float64
	offset   float64
	state    float64 // random-walk / counter accumulator
	stepUp   bool
}

func newSimulator(t model.Tag) *simulator {
	periodMs := int64(t.ScanIntervalMs) * 20
	if periodMs <= 0 {
		periodMs = 20000
	}
	return &simulator{
		kind:     waveformFor(t),
		periodMs: periodMs,
		amp:      10,
		offset:   50,
	}
}

// next returns the simulated value at elapsedMs since the simulator's
// start.
func (s *simulator) next(elapsedMs int64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.kind {
	case WaveSawtooth:
		frac := float64(elapsedMs%s.periodMs) / float64(s.periodMs)
		return s.offset + s.amp*(2*frac-1)
	case WaveRandomWalk:
		s.state += (pseudoRand(elapsedMs) - 0.5) * 2
		return s.offset + s.state
	case WaveStep:
		phase := (elapsedMs / s.periodMs) % 2
		if phase == 0 {
			return 0
		}
		return 1
	case WaveCounter:
		return float64(elapsedMs / 1000)
	default: // WaveSine
		angle := 2 * math.Pi * float64(elapsedMs) / float64(s.periodMs)
		return s.offset + s.amp*math.Sin(angle)
	}
}

// pseudoRand is a cheap deterministic hash-based PRNG so random-walk
// samples are reproducible given the same elapsedMs sequence.
func pseudoRand(seed int64) float64 {
	x := uint64(seed)*2654435761 + 1
	x ^= x >> 13
	x *= 0x2545F4914F6CDD1D
	x ^= x >> 15
	return float64(x%1000) / 1000.0
}

func simulatedNowMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
