// Package rnn implements an LSTM layer with variational
// (per-sequence) dropout over packed batches of
// variable-length sequences.
//
// Dropout masks are sampled once per forward pass and
// reused at every timestep, with independent masks for
// the input-side and recurrent-side projections of each
// gate.
package rnn

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Gate indices into a Cell's weight arrays.
const (
	GateInput = iota
	GateForget
	GateCell
	GateOutput

	numGates
)

// forgetBiasInit encourages memory retention early in
// training.
const forgetBiasInit = 1

// A Cell is a single LSTM step function with per-gate
// variational dropout on its input and recurrent
// projections.
//
// A Cell's weights are read-only during stepping; the
// external optimizer may update them between passes, but
// must not do so concurrently with a step.
type Cell struct {
	InputSize  int
	HiddenSize int
	Dropout    float64

	// Per-gate weights, indexed by the Gate constants.
	// InWeight matrices are HiddenSize-by-InputSize,
	// RecWeight matrices HiddenSize-by-HiddenSize, both
	// row-major.
	InWeight  [numGates]*anydiff.Var
	RecWeight [numGates]*anydiff.Var
	Bias      [numGates]*anydiff.Var

	// Rand is the source for mask sampling and weight
	// initialization.
	// A nil Rand uses the global math/rand source.
	Rand *rand.Rand

	creator anyvec.Creator
	masks   *maskPair
}

// NewCell creates a Cell with orthogonally-initialized
// weight matrices, a forget-gate bias of 1 and all other
// biases zero.
//
// The dropout argument is the drop probability and must
// be in [0, 1).
func NewCell(c anyvec.Creator, inSize, hiddenSize int, dropout float64) (*Cell, error) {
	return newCellRand(c, inSize, hiddenSize, dropout, nil)
}

func newCellRand(c anyvec.Creator, inSize, hiddenSize int, dropout float64,
	r *rand.Rand) (*Cell, error) {
	if inSize <= 0 {
		return nil, &ConfigError{Param: "input size", Reason: "must be positive"}
	}
	if hiddenSize <= 0 {
		return nil, &ConfigError{Param: "hidden size", Reason: "must be positive"}
	}
	if dropout < 0 || dropout >= 1 {
		return nil, &ConfigError{Param: "dropout", Reason: "must be in [0, 1)"}
	}
	cell := &Cell{
		InputSize:  inSize,
		HiddenSize: hiddenSize,
		Dropout:    dropout,
		Rand:       r,
		creator:    c,
	}
	for g := 0; g < numGates; g++ {
		cell.InWeight[g] = anydiff.NewVar(orthogonal(c, hiddenSize, inSize, r))
		cell.RecWeight[g] = anydiff.NewVar(orthogonal(c, hiddenSize, hiddenSize, r))
		biasVal := 0.0
		if g == GateForget {
			biasVal = forgetBiasInit
		}
		cell.Bias[g] = anydiff.NewVar(constVector(c, hiddenSize, biasVal))
	}
	return cell, nil
}

// Parameters returns the cell's trainable variables.
func (c *Cell) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for g := 0; g < numGates; g++ {
		res = append(res, c.InWeight[g], c.RecWeight[g], c.Bias[g])
	}
	return res
}

// RefreshMasks regenerates the dropout masks for the
// given batch size.
//
// While training with a non-zero dropout, each mask
// component is an independent draw from {0, 1} with keep
// probability 1-Dropout.
// Otherwise the masks degrade to the deterministic
// scalar keep probability, so inference is deterministic.
//
// RefreshMasks must be called before the first Step of a
// pass, and again whenever the batch size changes.
func (c *Cell) RefreshMasks(batchSize int, training bool) error {
	if batchSize <= 0 {
		return shapeErr("refresh masks", "non-positive batch size %d", batchSize)
	}
	if c.Dropout == 0 || !training {
		c.masks = &maskPair{batch: batchSize, keep: 1 - c.Dropout}
		return nil
	}
	// Input-side draws come before recurrent-side draws so
	// a seeded Rand yields reproducible masks.
	masks := &maskPair{batch: batchSize, keep: 1 - c.Dropout}
	masks.in = c.sampleMask(numGates * batchSize * c.InputSize)
	masks.rec = c.sampleMask(numGates * batchSize * c.HiddenSize)
	c.masks = masks
	return nil
}

func (c *Cell) sampleMask(n int) anyvec.Vector {
	uniform := rand.Float64
	if c.Rand != nil {
		uniform = c.Rand.Float64
	}
	data := make([]float64, n)
	for i := range data {
		if uniform() >= c.Dropout {
			data[i] = 1
		}
	}
	return c.creator.MakeVectorData(c.creator.MakeNumericList(data))
}

// Step computes one recurrence step for a batch.
//
// The input must hold batch-by-InputSize components and
// hPrev/cPrev batch-by-HiddenSize each, where the batch
// is no larger than the one the masks were refreshed
// for.
// When the batch is smaller, the trailing rows of each
// mask are used.
//
// The inputs are not modified; the new hidden and cell
// states are returned.
func (c *Cell) Step(in, hPrev, cPrev anydiff.Res) (hNext, cNext anydiff.Res, err error) {
	if c.masks == nil {
		return nil, nil, ErrNoMasks
	}
	n := in.Output().Len() / c.InputSize
	if n*c.InputSize != in.Output().Len() || n == 0 {
		return nil, nil, shapeErr("step", "input length %d is not a multiple of %d",
			in.Output().Len(), c.InputSize)
	}
	if n > c.masks.batch {
		return nil, nil, shapeErr("step", "batch %d exceeds mask batch %d",
			n, c.masks.batch)
	}
	if hPrev.Output().Len() != n*c.HiddenSize {
		return nil, nil, shapeErr("step", "hidden state length %d (want %d)",
			hPrev.Output().Len(), n*c.HiddenSize)
	}
	if cPrev.Output().Len() != n*c.HiddenSize {
		return nil, nil, shapeErr("step", "cell state length %d (want %d)",
			cPrev.Output().Len(), n*c.HiddenSize)
	}

	var pre [numGates]anydiff.Res
	for g := 0; g < numGates; g++ {
		x := c.project(in, g, n, false)
		h := c.project(hPrev, g, n, true)
		pre[g] = anydiff.Add(x, h)
	}

	inGate := anydiff.Sigmoid(pre[GateInput])
	forget := anydiff.Sigmoid(pre[GateForget])
	outGate := anydiff.Sigmoid(pre[GateOutput])
	candidate := anydiff.Tanh(pre[GateCell])

	cNext = anydiff.Add(anydiff.Mul(forget, cPrev), anydiff.Mul(inGate, candidate))
	hNext = anydiff.Mul(outGate, anydiff.Tanh(cNext))
	return hNext, cNext, nil
}

// project masks x with gate g's mask and applies the
// gate's affine (input side) or linear (recurrent side)
// projection.
func (c *Cell) project(x anydiff.Res, g, rows int, recurrent bool) anydiff.Res {
	feat := c.InputSize
	weight := c.InWeight[g]
	if recurrent {
		feat = c.HiddenSize
		weight = c.RecWeight[g]
	}
	masked := c.masks.apply(x, g, rows, feat, recurrent)
	xMat := &anydiff.Matrix{Data: masked, Rows: rows, Cols: feat}
	wMat := &anydiff.Matrix{Data: weight, Rows: c.HiddenSize, Cols: feat}
	product := anydiff.MatMul(false, true, xMat, wMat)
	if recurrent {
		return product.Data
	}
	return anydiff.AddRepeated(product.Data, c.Bias[g])
}

// A maskPair holds one pass's dropout masks.
//
// When the masks were not sampled (inference, or zero
// dropout), in and rec are nil and keep is applied as a
// uniform scale.
type maskPair struct {
	batch int
	keep  float64
	in    anyvec.Vector
	rec   anyvec.Vector
}

// apply multiplies x by gate g's mask, sliced to the
// trailing rows when the active batch is smaller than
// the mask batch.
func (m *maskPair) apply(x anydiff.Res, g, rows, feat int, recurrent bool) anydiff.Res {
	mask := m.in
	if recurrent {
		mask = m.rec
	}
	if mask == nil {
		if m.keep == 1 {
			return x
		}
		c := x.Output().Creator()
		return anydiff.Scale(x, c.MakeNumeric(m.keep))
	}
	start := (g*m.batch + m.batch - rows) * feat
	slice := mask.Slice(start, start+rows*feat)
	return anydiff.Mul(x, anydiff.NewConst(slice))
}
