package model

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var ErrBadState = errors.New("recurrent state does not match the model")

// LayerState is the cell and hidden vector of one LSTM layer.
type LayerState struct {
	C []float32
	H []float32
}

// State carries one LayerState per layer between sequential steps. Step
// returns a new State and never modifies the one passed in.
type State []LayerState

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for i, l := range s {
		out[i] = LayerState{
			C: append([]float32(nil), l.C...),
			H: append([]float32(nil), l.H...),
		}
	}
	return out
}

// Model owns the parameters and optimizer of one LSTM. It is the
// execution context handed to the trainer and the chat engine.
type Model struct {
	cfg    Config
	params *Params
	solver *gorgonia.AdamSolver
}

// New creates a freshly initialized model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(cfg.LearningRate)}
	if cfg.Clip > 0 {
		opts = append(opts, gorgonia.WithClip(cfg.Clip))
	}
	return &Model{
		cfg:    cfg,
		params: NewParams(cfg),
		solver: gorgonia.NewAdamSolver(opts...),
	}, nil
}

func (m *Model) Config() Config { return m.cfg }

// ZeroState returns the initial state for a single sequence.
func (m *Model) ZeroState() State {
	s := make(State, m.cfg.Layers)
	for i := range s {
		s[i] = LayerState{
			C: make([]float32, m.cfg.Units),
			H: make([]float32, m.cfg.Units),
		}
	}
	return s
}

// Step feeds one token through the network and returns the logits over
// the vocabulary together with the next state. No dropout is applied.
func (m *Model) Step(token int, st State) ([]float32, State, error) {
	if token < 0 || token >= m.cfg.Vocab {
		return nil, nil, fmt.Errorf("token %d out of range [0, %d)", token, m.cfg.Vocab)
	}
	if len(st) != len(m.params.layers) {
		return nil, nil, fmt.Errorf("%w: %d layers, expected %d", ErrBadState, len(st), len(m.params.layers))
	}

	v := m.cfg.Vocab
	x := data(m.params.embed)[token*v : (token+1)*v]
	next := make(State, len(st))
	for l := range m.params.layers {
		if len(st[l].C) != m.cfg.Units || len(st[l].H) != m.cfg.Units {
			return nil, nil, fmt.Errorf("%w: layer %d width", ErrBadState, l)
		}
		next[l] = m.params.layers[l].step(x, st[l])
		x = next[l].H
	}
	return affine(x, m.params.wout, m.params.bout), next, nil
}

func (ly *layer) step(x []float32, prev LayerState) LayerState {
	var z [numGates][]float32
	for g := 0; g < numGates; g++ {
		z[g] = affine(x, ly.wx[g], ly.b[g])
		addInto(z[g], affine(prev.H, ly.wh[g], nil))
	}

	units := len(prev.C)
	next := LayerState{C: make([]float32, units), H: make([]float32, units)}
	for k := 0; k < units; k++ {
		i := sigmoid(z[gateInput][k])
		j := tanh(z[gateCandidate][k])
		f := sigmoid(z[gateForget][k])
		o := sigmoid(z[gateOutput][k])
		next.C[k] = f*prev.C[k] + i*j
		next.H[k] = o * tanh(next.C[k])
	}
	return next
}

// affine computes x·w + b for a row vector x and w of shape in x out.
func affine(x []float32, w, b *tensor.Dense) []float32 {
	out := w.Shape()[1]
	wd := data(w)
	res := make([]float32, out)
	if b != nil {
		copy(res, data(b))
	}
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := wd[i*out : (i+1)*out]
		for j := range res {
			res[j] += xi * row[j]
		}
	}
	return res
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Snapshot copies the trainable parameters.
func (m *Model) Snapshot() Snapshot {
	return m.params.snapshot(m.cfg)
}

// Restore overwrites the trainable parameters from s. The snapshot must
// have been taken from a model with the same shape.
func (m *Model) Restore(s Snapshot) error {
	if s.Config.Vocab != m.cfg.Vocab || s.Config.Units != m.cfg.Units || s.Config.Layers != m.cfg.Layers {
		return fmt.Errorf("snapshot shape %d/%d/%d does not match model %d/%d/%d",
			s.Config.Vocab, s.Config.Units, s.Config.Layers, m.cfg.Vocab, m.cfg.Units, m.cfg.Layers)
	}
	return m.params.restore(s)
}
