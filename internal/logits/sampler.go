package logits

import (
	"cmp"
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"slices"
)

// Sentinel is written into logits that must never be chosen. A large
// finite value keeps softmax free of non-finite intermediates.
const Sentinel float32 = -1e9

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	// SuppressEOS masks EOSTokenID before sampling. Ignored when
	// EOSTokenID is negative.
	SuppressEOS bool
	EOSTokenID  int
	// Seed makes draws reproducible. Nil seeds from crypto/rand.
	Seed *int64
}

// Greedy reports whether the config selects argmax decoding.
func (c SamplerConfig) Greedy() bool {
	return c.Temperature <= 0
}

// Sampler turns a logits row into a token id. A Sampler owns its random
// source and must not be shared between concurrent generations.
type Sampler struct {
	rng  *rand.Rand
	cfg  SamplerConfig
	work   []float32
	scaled []float64
	prob   []float64
	idx    []int

	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewRand returns a random source seeded from seed, or from crypto/rand
// when seed is nil.
func NewRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic("logits: crypto/rand unavailable: " + err.Error())
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
}

// NewSampler returns a sampler drawing from rng. A nil rng is replaced with
// NewRand(cfg.Seed).
func NewSampler(cfg SamplerConfig, rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = NewRand(cfg.Seed)
	}
	return &Sampler{rng: rng, cfg: cfg}
}

// Config returns the sampler configuration.
func (s *Sampler) Config() SamplerConfig {
	return s.cfg
}

// Sample picks the next token from logits. history holds the tokens
// generated so far in this generation. logits is not modified.
//
// The stages run in a fixed order:
//
//  1. EOS suppression.
//  2. Repetition penalty over the distinct history ids, only when the
//     penalty is above 1. Positive logits are divided by the penalty and
//     the rest are multiplied, so the logit always decreases.
//  3. Temperature <= 0 returns argmax; top-k and top-p are not consulted.
//  4. Otherwise logits are divided by the temperature, cut to the top k,
//     softmaxed, cut to the top-p nucleus and drawn from.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	work := s.penalized(logits, history)
	if s.cfg.Greedy() {
		return argmax(work)
	}
	prob := s.distribution(work)
	return s.draw(prob)
}

// Distribution returns the probabilities Sample would draw from. Greedy
// configs yield a one-hot vector at the argmax.
func (s *Sampler) Distribution(logits []float32, history []int) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	work := s.penalized(logits, history)
	if s.cfg.Greedy() {
		out[argmax(work)] = 1
		return out
	}
	copy(out, s.distribution(work))
	return out
}

// penalized copies logits into the working buffer and applies EOS
// suppression and the repetition penalty.
func (s *Sampler) penalized(logits []float32, history []int) []float32 {
	if cap(s.work) < len(logits) {
		s.work = make([]float32, len(logits))
	}
	work := s.work[:len(logits)]
	copy(work, logits)

	if s.cfg.SuppressEOS && s.cfg.EOSTokenID >= 0 && s.cfg.EOSTokenID < len(work) {
		work[s.cfg.EOSTokenID] = Sentinel
	}

	if s.cfg.RepetitionPenalty > 1.0 && len(history) > 0 {
		for _, id := range s.distinct(history, len(work)) {
			if work[id] > 0 {
				work[id] /= s.cfg.RepetitionPenalty
			} else {
				work[id] *= s.cfg.RepetitionPenalty
			}
		}
	}
	return work
}

// distinct returns the unique in-range ids of history in first-seen order.
func (s *Sampler) distinct(history []int, vocab int) []int {
	if len(s.seenMark) < vocab {
		s.seenMark = make([]uint32, vocab)
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range history {
		if id >= 0 && id < vocab && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	return s.seenList
}

// distribution runs the stochastic stages on work and returns the final
// probabilities. Scaling happens in float64 so a tiny temperature cannot
// overflow the logits.
func (s *Sampler) distribution(work []float32) []float64 {
	if cap(s.scaled) < len(work) {
		s.scaled = make([]float64, len(work))
	}
	scaled := s.scaled[:len(work)]
	temp := float64(s.cfg.Temperature)
	for i, v := range work {
		scaled[i] = float64(v) / temp
	}

	if s.cfg.TopK > 0 && s.cfg.TopK < len(scaled) {
		order := s.order(len(scaled), func(a, b int) int { return cmp.Compare(scaled[b], scaled[a]) })
		for _, i := range order[s.cfg.TopK:] {
			scaled[i] = math.Inf(-1)
		}
	}

	if cap(s.prob) < len(scaled) {
		s.prob = make([]float64, len(scaled))
	}
	prob := s.prob[:len(scaled)]
	softmax(prob, scaled)

	if s.cfg.TopP > 0 {
		nucleus(prob, float64(s.cfg.TopP), s.order(len(prob), func(a, b int) int { return cmp.Compare(prob[b], prob[a]) }))
	}
	return prob
}

// order returns 0..n-1 sorted by less. Ties keep index order.
func (s *Sampler) order(n int, less func(a, b int) int) []int {
	if cap(s.idx) < n {
		s.idx = make([]int, n)
	}
	idx := s.idx[:n]
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, less)
	return idx
}

func (s *Sampler) draw(prob []float64) int {
	r := s.rng.Float64()
	var c float64
	last := -1
	for i, p := range prob {
		if p <= 0 {
			continue
		}
		c += p
		last = i
		if r < c {
			return i
		}
	}
	if last < 0 {
		return 0
	}
	return last
}

// softmax writes the softmax of x into dst. At least one x must be finite.
func softmax(dst []float64, x []float64) {
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(v - maxv)
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
}

// nucleus keeps the longest prefix of sorted whose cumulative probability
// does not exceed topP, or the single most likely token when even that
// exceeds topP, then renormalizes prob to sum to one.
func nucleus(prob []float64, topP float64, sorted []int) {
	keep := 0
	var cum float64
	for _, i := range sorted {
		cum += prob[i]
		if cum > topP {
			break
		}
		keep++
	}
	keep = max(keep, 1)

	var kept float64
	for _, i := range sorted[:keep] {
		kept += prob[i]
	}
	for _, i := range sorted[keep:] {
		prob[i] = 0
	}
	for _, i := range sorted[:keep] {
		prob[i] /= kept
	}
}

// argmax returns the index of the maximum value. Ties resolve to the lowest
// index.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
