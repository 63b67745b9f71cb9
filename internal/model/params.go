// Package model holds the character-level LSTM: its parameters, the
// batched training surface and the single-step inference surface.
package model

import (
	"errors"
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LSTM gates, in parameter order.
const (
	gateInput = iota
	gateCandidate
	gateForget
	gateOutput
	numGates
)

var gateNames = [numGates]string{"i", "j", "f", "o"}

// Config describes the shape and training hyperparameters of a model.
type Config struct {
	Vocab        int     `json:"vocab"`
	Units        int     `json:"units"`
	Layers       int     `json:"layers"`
	InputKeep    float64 `json:"input_keep"`
	OutputKeep   float64 `json:"output_keep"`
	LearningRate float64 `json:"learning_rate"`
	Clip         float64 `json:"clip"`
}

func DefaultConfig(vocabSize int) Config {
	return Config{
		Vocab:        vocabSize,
		Units:        128,
		Layers:       1,
		InputKeep:    0.8,
		OutputKeep:   0.9,
		LearningRate: 1e-4,
		Clip:         5,
	}
}

func (c Config) Validate() error {
	if c.Vocab <= 0 {
		return errors.New("vocabulary size must be positive")
	}
	if c.Units <= 0 || c.Layers <= 0 {
		return fmt.Errorf("invalid model shape: %d units, %d layers", c.Units, c.Layers)
	}
	if c.InputKeep <= 0 || c.InputKeep > 1 || c.OutputKeep <= 0 || c.OutputKeep > 1 {
		return fmt.Errorf("keep probabilities must be in (0, 1]: input=%v output=%v", c.InputKeep, c.OutputKeep)
	}
	if c.LearningRate <= 0 {
		return errors.New("learning rate must be positive")
	}
	return nil
}

type layer struct {
	wx [numGates]*tensor.Dense // in x units
	wh [numGates]*tensor.Dense // units x units
	b  [numGates]*tensor.Dense // 1 x units
}

// Params is the shared parameter set of both call surfaces.
type Params struct {
	embed  *tensor.Dense // vocab x vocab identity, never trained
	layers []layer
	wout   *tensor.Dense // units x vocab
	bout   *tensor.Dense // 1 x vocab
}

func newDense(rows, cols int, backing []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

func glorot(rows, cols int) *tensor.Dense {
	return newDense(rows, cols, gorgonia.GlorotU(1.0)(tensor.Float32, rows, cols).([]float32))
}

func filled(rows, cols int, v float32) *tensor.Dense {
	data := make([]float32, rows*cols)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return newDense(rows, cols, data)
}

// NewParams initializes parameters for cfg. The embedding is the identity
// matrix so every token is fed as a one-hot vector.
func NewParams(cfg Config) *Params {
	v, h := cfg.Vocab, cfg.Units

	embed := filled(v, v, 0)
	ed := data(embed)
	for i := 0; i < v; i++ {
		ed[i*v+i] = 1
	}

	p := &Params{
		embed:  embed,
		layers: make([]layer, cfg.Layers),
		wout:   glorot(h, v),
		bout:   filled(1, v, 0),
	}
	for l := range p.layers {
		in := h
		if l == 0 {
			in = v
		}
		for g := 0; g < numGates; g++ {
			p.layers[l].wx[g] = glorot(in, h)
			p.layers[l].wh[g] = glorot(h, h)
			bias := float32(0)
			if g == gateForget {
				bias = 1
			}
			p.layers[l].b[g] = filled(1, h, bias)
		}
	}
	return p
}

func data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// learnable pairs a trainable tensor with its stable name.
type learnable struct {
	name string
	t    *tensor.Dense
}

// learnables lists the trainable tensors in a fixed order. The optimizer
// keys its moments on this order.
func (p *Params) learnables() []learnable {
	var out []learnable
	for l, ly := range p.layers {
		for g := 0; g < numGates; g++ {
			out = append(out,
				learnable{fmt.Sprintf("l%d_wx_%s", l, gateNames[g]), ly.wx[g]},
				learnable{fmt.Sprintf("l%d_wh_%s", l, gateNames[g]), ly.wh[g]},
				learnable{fmt.Sprintf("l%d_b_%s", l, gateNames[g]), ly.b[g]},
			)
		}
	}
	return append(out, learnable{"wout", p.wout}, learnable{"bout", p.bout})
}

// Tensor is a serializable copy of one parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Snapshot is a serializable copy of all trainable parameters.
type Snapshot struct {
	Config  Config
	Tensors []Tensor
}

func (p *Params) snapshot(cfg Config) Snapshot {
	s := Snapshot{Config: cfg}
	for _, l := range p.learnables() {
		s.Tensors = append(s.Tensors, Tensor{
			Name:  l.name,
			Shape: append([]int(nil), l.t.Shape()...),
			Data:  append([]float32(nil), data(l.t)...),
		})
	}
	return s
}

func (p *Params) restore(s Snapshot) error {
	ls := p.learnables()
	if len(ls) != len(s.Tensors) {
		return fmt.Errorf("snapshot has %d tensors, model expects %d", len(s.Tensors), len(ls))
	}
	for i, l := range ls {
		st := s.Tensors[i]
		if st.Name != l.name {
			return fmt.Errorf("snapshot tensor %d is %q, expected %q", i, st.Name, l.name)
		}
		dst := data(l.t)
		if len(st.Data) != len(dst) {
			return fmt.Errorf("snapshot tensor %q has %d values, expected %d", st.Name, len(st.Data), len(dst))
		}
		copy(dst, st.Data)
	}
	return nil
}
