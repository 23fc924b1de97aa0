// Package hyperloglog estimates how many distinct agents or operations a
// telemetry history contains without keeping the names themselves.
package hyperloglog

import (
	"errors"
	"hash/fnv"
	"math"
	"math/bits"
	"sync"
)

// DefaultPrecision gives ~0.81% standard error with 16KB of registers.
const DefaultPrecision = 14

var (
	// ErrPrecisionMismatch is returned when merging sketches of different precision.
	ErrPrecisionMismatch = errors.New("hyperloglog: precision mismatch")

	// ErrInvalidData is returned when decoding malformed sketch bytes.
	ErrInvalidData = errors.New("hyperloglog: invalid serialized data")
)

// Sketch is a HyperLogLog distinct counter. Safe for concurrent use.
//
// Memory usage: 2^precision bytes
// Standard error: ~1.04 / sqrt(2^precision)
type Sketch struct {
	mu        sync.RWMutex
	precision uint8
	registers []uint8
}

// New creates a sketch. Precision outside 4..18 falls back to DefaultPrecision.
func New(precision uint8) *Sketch {
	if precision < 4 || precision > 18 {
		precision = DefaultPrecision
	}
	return &Sketch{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}
}

// Add records one name.
func (s *Sketch) Add(name string) {
	h := fnv.New64a()
	h.Write([]byte(name))
	s.AddHash(mix(h.Sum64()))
}

// AddHash records a pre-computed 64-bit hash.
func (s *Sketch) AddHash(hash uint64) {
	// top p bits pick the register, the rest feed the rank
	idx := hash >> (64 - s.precision)
	rest := hash<<s.precision | 1<<(s.precision-1)
	rank := uint8(bits.LeadingZeros64(rest)) + 1

	s.mu.Lock()
	if rank > s.registers[idx] {
		s.registers[idx] = rank
	}
	s.mu.Unlock()
}

// Estimate returns the estimated number of distinct names added.
func (s *Sketch) Estimate() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := float64(len(s.registers))
	sum := 0.0
	zeros := 0
	for _, r := range s.registers {
		sum += math.Ldexp(1, -int(r))
		if r == 0 {
			zeros++
		}
	}

	estimate := alpha(len(s.registers)) * m * m / sum
	if estimate <= 2.5*m && zeros != 0 {
		// linear counting for small cardinalities
		estimate = m * math.Log(m/float64(zeros))
	}
	return uint64(estimate + 0.5)
}

// Merge folds other into s, giving the union of both sets.
func (s *Sketch) Merge(other *Sketch) error {
	if s == other {
		return nil
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	if s.precision != other.precision {
		return ErrPrecisionMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range other.registers {
		if r > s.registers[i] {
			s.registers[i] = r
		}
	}
	return nil
}

// Reset clears every register.
func (s *Sketch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.registers)
}

// MarshalBinary encodes the sketch as [precision][registers...].
func (s *Sketch) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make([]byte, 1+len(s.registers))
	data[0] = s.precision
	copy(data[1:], s.registers)
	return data, nil
}

// UnmarshalBinary decodes a sketch produced by MarshalBinary.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrInvalidData
	}
	p := data[0]
	if p < 4 || p > 18 || len(data) != 1+(1<<p) {
		return ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.precision = p
	s.registers = append([]uint8(nil), data[1:]...)
	return nil
}

func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1 + 1.079/float64(m))
}

// mix spreads FNV output across all 64 bits (splitmix64 finalizer).
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
