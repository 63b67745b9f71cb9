// Package sampling picks the next token from a logit vector.
package sampling

import (
	"math"
	"math/rand"
)

// GreedyBelow is the temperature under which sampling falls back to argmax.
const GreedyBelow = 1e-6

// Sample picks an index from logits. A temperature of (near) zero decodes
// greedily and leaves rng untouched; otherwise the index is drawn from
// softmax(logits / temperature).
func Sample(logits []float32, temperature float64, rng *rand.Rand) int {
	if temperature < GreedyBelow || math.IsNaN(temperature) {
		return Argmax(logits)
	}

	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = float32(float64(v) / temperature)
	}
	return Choice(Softmax(scaled), rng)
}

// Argmax returns the index of the largest logit, the first one on ties.
func Argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// Softmax computes probabilities from logits, subtracting the max first.
func Softmax(logits []float32) []float32 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}

	var sum float64
	result := make([]float32, len(logits))
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxv))
		sum += exps[i]
	}
	for i := range result {
		result[i] = float32(exps[i] / sum)
	}
	return result
}

// Choice samples from a probability distribution.
func Choice(probs []float32, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}
