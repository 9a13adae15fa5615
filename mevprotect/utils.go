package mevprotect

import (
	"math/big"
	"sort"
)

// FormatLamports converts a lamport amount to a decimal SOL string.
func FormatLamports(lamports uint64) string {
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(lamports), big.NewInt(LamportsPerSOL))
	return r.FloatString(9)
}

// LamportsToSOL converts a lamport amount to SOL as a float.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(LamportsPerSOL)
}

// MicroLamportFeeToSOL converts a per-compute-unit price in micro-lamports
// into the SOL cost of spending the given compute budget at that price.
func MicroLamportFeeToSOL(microLamportsPerCU uint64, computeUnits uint32) float64 {
	lamports := float64(microLamportsPerCU) * float64(computeUnits) / float64(MicroLamportsPerLamp)
	return lamports / float64(LamportsPerSOL)
}

// Percentile returns the p-th percentile (0..1) of values using
// nearest-rank on a sorted copy. Returns 0 for an empty input.
func Percentile(values []uint64, p float64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampUint64 bounds v to [lo, hi].
func ClampUint64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Mean returns the arithmetic mean of values, 0 for an empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance of values, 0 for fewer than two.
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// TruncateID shortens an identifier for log and alert payloads.
func TruncateID(id string, max int) string {
	if max <= 0 || len(id) <= max {
		return id
	}
	return id[:max]
}
