package rnn

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A State is a recurrent (hidden, cell) state pair.
//
// Each vector holds one row of HiddenSize components per
// sequence per direction, with the forward direction's
// rows first.
type State struct {
	Hidden anyvec.Vector
	Cell   anyvec.Vector
}

// A Layer drives an LSTM cell over a packed batch of
// variable-length sequences, optionally in both time
// directions.
type Layer struct {
	InputSize  int
	HiddenSize int

	// Forward steps over increasing timesteps.
	// Backward steps over decreasing timesteps and is nil
	// unless the layer is bidirectional.
	Forward  *Cell
	Backward *Cell

	creator anyvec.Creator
}

// NewLayer creates a Layer.
//
// A bidirectional layer owns two independently
// parameterized cells, one per direction.
func NewLayer(c anyvec.Creator, inSize, hiddenSize int, bidirectional bool,
	dropout float64) (*Layer, error) {
	forward, err := NewCell(c, inSize, hiddenSize, dropout)
	if err != nil {
		return nil, essentials.AddCtx("new layer", err)
	}
	layer := &Layer{
		InputSize:  inSize,
		HiddenSize: hiddenSize,
		Forward:    forward,
		creator:    c,
	}
	if bidirectional {
		layer.Backward, err = NewCell(c, inSize, hiddenSize, dropout)
		if err != nil {
			return nil, essentials.AddCtx("new layer", err)
		}
	}
	return layer, nil
}

// Bidirectional reports whether the layer processes both
// time directions.
func (l *Layer) Bidirectional() bool {
	return l.Backward != nil
}

// NumDirections returns 2 for a bidirectional layer and 1
// otherwise.
func (l *Layer) NumDirections() int {
	if l.Backward != nil {
		return 2
	}
	return 1
}

// Parameters returns the trainable variables of every
// cell, forward direction first.
func (l *Layer) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, cell := range l.cells() {
		res = append(res, cell.Parameters()...)
	}
	return res
}

func (l *Layer) cells() []*Cell {
	if l.Backward != nil {
		return []*Cell{l.Forward, l.Backward}
	}
	return []*Cell{l.Forward}
}

// Apply runs the layer over a packed batch.
//
// The input must be packed; its per-row size must equal
// the layer's input size.
// When s0 is nil, the initial state is zero.
// The training flag selects the dropout policy for this
// pass (sampled masks versus the deterministic keep
// scale) and is the only behavioral difference between
// training and inference.
//
// The packed output has the input's batch sizes and a
// row width of HiddenSize per direction.
// The returned state holds each sequence's state after
// its own final timestep in the respective direction.
// The output data is differentiable; the state pair is a
// plain tensor snapshot (tail extraction on the output
// sequence recovers final hidden states differentiably).
func (l *Layer) Apply(in *Packed, s0 *State, training bool) (*Packed, *State, error) {
	if err := in.check(); err != nil {
		return nil, nil, essentials.AddCtx("apply layer", err)
	}
	if in.width() != l.InputSize {
		return nil, nil, essentials.AddCtx("apply layer",
			shapeErr("packed batch", "row size %d (want %d)", in.width(), l.InputSize))
	}
	maxBatch := in.MaxBatch()
	dirs := l.NumDirections()
	stateLen := dirs * maxBatch * l.HiddenSize
	if s0 == nil {
		s0 = &State{
			Hidden: l.creator.MakeVector(stateLen),
			Cell:   l.creator.MakeVector(stateLen),
		}
	} else if s0.Hidden.Len() != stateLen || s0.Cell.Len() != stateLen {
		return nil, nil, essentials.AddCtx("apply layer",
			shapeErr("initial state", "lengths %d/%d (want %d)",
				s0.Hidden.Len(), s0.Cell.Len(), stateLen))
	}

	for _, cell := range l.cells() {
		if err := cell.RefreshMasks(maxBatch, training); err != nil {
			return nil, nil, essentials.AddCtx("apply layer", err)
		}
	}
	return l.run(in, s0)
}
