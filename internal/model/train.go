package model

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"friendgpt/internal/vocab"
)

var (
	ErrEmptyBatch = errors.New("empty training batch")
	ErrDiverged   = errors.New("training loss is not finite")
)

type boundLayer struct {
	wx, wh, b [numGates]*gorgonia.Node
}

// graphParams mirrors Params as nodes of one expression graph.
type graphParams struct {
	layers     []boundLayer
	wout, bout *gorgonia.Node
	learn      gorgonia.Nodes
}

// bind adds every trainable tensor to g as a node backed by the tensor
// itself, in learnables order.
func (p *Params) bind(g *gorgonia.ExprGraph) graphParams {
	var gp graphParams
	for _, l := range p.learnables() {
		gp.learn = append(gp.learn, gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(l.t.Shape()...),
			gorgonia.WithName(l.name),
			gorgonia.WithValue(l.t)))
	}

	next := 0
	gp.layers = make([]boundLayer, len(p.layers))
	for l := range p.layers {
		for gate := 0; gate < numGates; gate++ {
			gp.layers[l].wx[gate] = gp.learn[next]
			gp.layers[l].wh[gate] = gp.learn[next+1]
			gp.layers[l].b[gate] = gp.learn[next+2]
			next += 3
		}
	}
	gp.wout, gp.bout = gp.learn[next], gp.learn[next+1]
	return gp
}

// sync copies optimizer results back into the parameter tensors.
func (p *Params) sync(learn gorgonia.Nodes) {
	for i, l := range p.learnables() {
		copy(data(l.t), learn[i].Value().Data().([]float32))
	}
}

// TrainStep runs one teacher-forced optimization step over a padded batch.
// Every call starts from a zero state. The returned loss is the masked mean
// cross-entropy before the update.
func (m *Model) TrainStep(b vocab.Batch) (float64, error) {
	if b.Len() == 0 || b.MaxLen == 0 {
		return 0, ErrEmptyBatch
	}

	g := gorgonia.NewGraph()
	gp := m.params.bind(g)

	loss, err := m.buildLoss(g, gp, b)
	if err != nil {
		return 0, fmt.Errorf("build loss: %w", err)
	}
	if _, err := gorgonia.Grad(loss, gp.learn...); err != nil {
		return 0, fmt.Errorf("differentiate loss: %w", err)
	}

	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(gp.learn...))
	defer vm.Close()

	if err := vm.RunAll(); err != nil {
		return 0, fmt.Errorf("run graph: %w", err)
	}

	lossVal, err := scalar(loss.Value())
	if err != nil {
		return 0, err
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return lossVal, ErrDiverged
	}

	if err := m.solver.Step(gorgonia.NodesToValueGrads(gp.learn)); err != nil {
		return 0, fmt.Errorf("solver step: %w", err)
	}
	m.params.sync(gp.learn)
	return lossVal, nil
}

// buildLoss unrolls the LSTM over the padded batch length. Positions past a
// row's true length carry zero weight in the loss.
func (m *Model) buildLoss(g *gorgonia.ExprGraph, gp graphParams, b vocab.Batch) (*gorgonia.Node, error) {
	batch, steps := b.Len(), b.MaxLen
	v, units := m.cfg.Vocab, m.cfg.Units

	c := make([]*gorgonia.Node, len(gp.layers))
	h := make([]*gorgonia.Node, len(gp.layers))
	for l := range gp.layers {
		c[l] = input(g, fmt.Sprintf("c0_%d", l), batch, units, nil)
		h[l] = input(g, fmt.Sprintf("h0_%d", l), batch, units, nil)
	}
	eps := gorgonia.NewScalar(g, tensor.Float32, gorgonia.WithName("eps"), gorgonia.WithValue(float32(1e-7)))
	weights := lossWeights(b, v)

	var total *gorgonia.Node
	for t := 0; t < steps; t++ {
		x := input(g, fmt.Sprintf("x_%d", t), batch, v, m.params.lookup(b.Inputs, t))

		for l := range gp.layers {
			in, err := dropout(x, 1-m.cfg.InputKeep)
			if err != nil {
				return nil, err
			}
			c[l], h[l], err = gp.layers[l].cell(in, c[l], h[l])
			if err != nil {
				return nil, fmt.Errorf("layer %d step %d: %w", l, t, err)
			}
			if x, err = dropout(h[l], 1-m.cfg.OutputKeep); err != nil {
				return nil, err
			}
		}

		logits, err := affineNode(x, gp.wout, gp.bout)
		if err != nil {
			return nil, fmt.Errorf("projection step %d: %w", t, err)
		}
		probs, err := gorgonia.SoftMax(logits)
		if err != nil {
			return nil, fmt.Errorf("softmax step %d: %w", t, err)
		}
		shifted, err := gorgonia.Add(probs, eps)
		if err != nil {
			return nil, err
		}
		logp, err := gorgonia.Log(shifted)
		if err != nil {
			return nil, err
		}
		w := input(g, fmt.Sprintf("w_%d", t), batch, v, weights[t])
		picked, err := gorgonia.HadamardProd(logp, w)
		if err != nil {
			return nil, err
		}
		term, err := gorgonia.Sum(picked)
		if err != nil {
			return nil, err
		}

		if total == nil {
			total = term
		} else if total, err = gorgonia.Add(total, term); err != nil {
			return nil, err
		}
	}
	return gorgonia.Neg(total)
}

// cell is one LSTM step over a batch.
func (ly boundLayer) cell(x, c, h *gorgonia.Node) (*gorgonia.Node, *gorgonia.Node, error) {
	var act [numGates]*gorgonia.Node
	for g := 0; g < numGates; g++ {
		xw, err := gorgonia.Mul(x, ly.wx[g])
		if err != nil {
			return nil, nil, err
		}
		hw, err := gorgonia.Mul(h, ly.wh[g])
		if err != nil {
			return nil, nil, err
		}
		sum, err := gorgonia.Add(xw, hw)
		if err != nil {
			return nil, nil, err
		}
		z, err := gorgonia.BroadcastAdd(sum, ly.b[g], nil, []byte{0})
		if err != nil {
			return nil, nil, err
		}
		if g == gateCandidate {
			act[g], err = gorgonia.Tanh(z)
		} else {
			act[g], err = gorgonia.Sigmoid(z)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	kept, err := gorgonia.HadamardProd(act[gateForget], c)
	if err != nil {
		return nil, nil, err
	}
	written, err := gorgonia.HadamardProd(act[gateInput], act[gateCandidate])
	if err != nil {
		return nil, nil, err
	}
	nextC, err := gorgonia.Add(kept, written)
	if err != nil {
		return nil, nil, err
	}
	squashed, err := gorgonia.Tanh(nextC)
	if err != nil {
		return nil, nil, err
	}
	nextH, err := gorgonia.HadamardProd(act[gateOutput], squashed)
	if err != nil {
		return nil, nil, err
	}
	return nextC, nextH, nil
}

func affineNode(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(xw, b, nil, []byte{0})
}

func dropout(x *gorgonia.Node, prob float64) (*gorgonia.Node, error) {
	if prob <= 0 {
		return x, nil
	}
	return gorgonia.Dropout(x, prob)
}

// input adds a non-trainable rows x cols matrix to g. A nil backing means
// zeros.
func input(g *gorgonia.ExprGraph, name string, rows, cols int, backing []float32) *gorgonia.Node {
	if backing == nil {
		backing = make([]float32, rows*cols)
	}
	return gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(newDense(rows, cols, backing)))
}

// lookup gathers the embedding rows of the tokens at position t.
func (p *Params) lookup(inputs [][]int, t int) []float32 {
	v := p.embed.Shape()[1]
	ed := data(p.embed)
	out := make([]float32, len(inputs)*v)
	for i, row := range inputs {
		id := row[t]
		copy(out[i*v:(i+1)*v], ed[id*v:(id+1)*v])
	}
	return out
}

// lossWeights builds, per time step, a batch x vocab matrix holding
// 1/n at each unmasked target position, n being the number of unmasked
// positions in the batch. Its dot product with log-probabilities is the
// negated mean cross-entropy.
func lossWeights(b vocab.Batch, v int) [][]float32 {
	var n int
	for _, l := range b.Lengths {
		n += l
	}
	w := make([][]float32, b.MaxLen)
	for t := range w {
		w[t] = make([]float32, b.Len()*v)
	}
	if n == 0 {
		return w
	}
	share := 1 / float32(n)
	for i := range b.Targets {
		for t := 0; t < b.Lengths[i]; t++ {
			w[t][i*v+b.Targets[i][t]] = share
		}
	}
	return w
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("loss has no value")
	}
	switch d := v.Data().(type) {
	case float32:
		return float64(d), nil
	case float64:
		return d, nil
	case []float32:
		if len(d) == 1 {
			return float64(d[0]), nil
		}
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, fmt.Errorf("unexpected loss value %T", v.Data())
}
