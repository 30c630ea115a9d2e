package rnn

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

type direction int

const (
	forwardDir direction = iota
	reverseDir
)

// A stepRecord keeps one timestep's pooled inputs and
// results so that back-propagation can walk the steps in
// reverse without re-walking earlier timesteps.
type stepRecord struct {
	n int

	inPool *anydiff.Var
	hPool  *anydiff.Var
	cPool  *anydiff.Var

	h anydiff.Res
	c anydiff.Res
}

// run steps every direction over the packed batch and
// assembles the packed output and final state.
func (l *Layer) run(in *Packed, s0 *State) (*Packed, *State, error) {
	c := l.creator
	h := l.HiddenSize
	maxBatch := in.MaxBatch()
	inData := in.Data.Output()

	fwdSteps, fwdH, fwdC, err := stepDirection(l.Forward, forwardDir, inData,
		in.BatchSizes, s0.Hidden.Slice(0, maxBatch*h), s0.Cell.Slice(0, maxBatch*h))
	if err != nil {
		return nil, nil, essentials.AddCtx("apply layer", err)
	}

	var revSteps []*stepRecord
	var revH, revC anyvec.Vector
	if l.Backward != nil {
		revSteps, revH, revC, err = stepDirection(l.Backward, reverseDir, inData,
			in.BatchSizes, s0.Hidden.Slice(maxBatch*h, 2*maxBatch*h),
			s0.Cell.Slice(maxBatch*h, 2*maxBatch*h))
		if err != nil {
			return nil, nil, essentials.AddCtx("apply layer", err)
		}
	}

	var parts []anyvec.Vector
	for t, n := range in.BatchSizes {
		if revSteps == nil {
			parts = append(parts, fwdSteps[t].h.Output())
			continue
		}
		fwdOut := fwdSteps[t].h.Output()
		revOut := revSteps[t].h.Output()
		for i := 0; i < n; i++ {
			parts = append(parts, fwdOut.Slice(i*h, (i+1)*h), revOut.Slice(i*h, (i+1)*h))
		}
	}

	res := &layerRes{
		creator:    c,
		in:         in,
		out:        c.Concat(parts...),
		vars:       anydiff.MergeVarSets(in.Data.Vars(), anydiff.NewVarSet(l.Parameters()...)),
		fwd:        fwdSteps,
		rev:        revSteps,
		inputSize:  l.InputSize,
		hiddenSize: h,
	}
	out := &Packed{Data: res, BatchSizes: in.BatchSizes}

	state := &State{Hidden: fwdH, Cell: fwdC}
	if revSteps != nil {
		state = &State{
			Hidden: c.Concat(fwdH, revH),
			Cell:   c.Concat(fwdC, revC),
		}
	}
	return out, state, nil
}

// stepDirection runs one direction's cell over the packed
// batch.
//
// The forward direction visits timesteps in increasing
// order over a shrinking prefix of the batch; rows for
// finished sequences stay frozen in the state buffer, so
// the buffer ends up holding each sequence's final state.
//
// The reverse direction visits timesteps in decreasing
// order. A sequence enters the active set at its own last
// timestep, taking its row of the initial state; by
// timestep zero every sequence is active, so the last
// step's result is the full final state.
func stepDirection(cell *Cell, dir direction, inData anyvec.Vector, batchSizes []int,
	initH, initC anyvec.Vector) ([]*stepRecord, anyvec.Vector, anyvec.Vector, error) {
	c := initH.Creator()
	h, in := cell.HiddenSize, cell.InputSize
	numSteps := len(batchSizes)

	offsets := make([]int, numSteps)
	var offset int
	for t, n := range batchSizes {
		offsets[t] = offset
		offset += n * in
	}

	steps := make([]*stepRecord, numSteps)
	if dir == forwardDir {
		hBuf := initH.Copy()
		cBuf := initC.Copy()
		for t := 0; t < numSteps; t++ {
			n := batchSizes[t]
			rec := &stepRecord{
				n:      n,
				inPool: anydiff.NewVar(inData.Slice(offsets[t], offsets[t]+n*in)),
				hPool:  anydiff.NewVar(hBuf.Slice(0, n*h).Copy()),
				cPool:  anydiff.NewVar(cBuf.Slice(0, n*h).Copy()),
			}
			var err error
			rec.h, rec.c, err = cell.Step(rec.inPool, rec.hPool, rec.cPool)
			if err != nil {
				return nil, nil, nil, err
			}
			hBuf.Slice(0, n*h).Set(rec.h.Output())
			cBuf.Slice(0, n*h).Set(rec.c.Output())
			steps[t] = rec
		}
		return steps, hBuf, cBuf, nil
	}

	hBuf := initH.Slice(0, batchSizes[numSteps-1]*h)
	cBuf := initC.Slice(0, batchSizes[numSteps-1]*h)
	for t := numSteps - 1; t >= 0; t-- {
		n := batchSizes[t]
		if n*h > hBuf.Len() {
			hBuf = c.Concat(hBuf, initH.Slice(hBuf.Len(), n*h))
			cBuf = c.Concat(cBuf, initC.Slice(cBuf.Len(), n*h))
		}
		rec := &stepRecord{
			n:      n,
			inPool: anydiff.NewVar(inData.Slice(offsets[t], offsets[t]+n*in)),
			hPool:  anydiff.NewVar(hBuf),
			cPool:  anydiff.NewVar(cBuf),
		}
		var err error
		rec.h, rec.c, err = cell.Step(rec.inPool, rec.hPool, rec.cPool)
		if err != nil {
			return nil, nil, nil, err
		}
		hBuf = rec.h.Output()
		cBuf = rec.c.Output()
		steps[t] = rec
	}
	return steps, hBuf.Copy(), cBuf.Copy(), nil
}

// layerRes is the packed output of a Layer pass.
//
// Back-propagation walks each direction's steps in
// reverse processing order, harvesting pool-variable
// gradients to thread the recurrent state gradient from
// step to step, so a backward pass costs one cell
// backward per step.
type layerRes struct {
	creator anyvec.Creator
	in      *Packed
	out     anyvec.Vector
	vars    anydiff.VarSet

	fwd []*stepRecord
	rev []*stepRecord

	inputSize  int
	hiddenSize int
}

func (l *layerRes) Output() anyvec.Vector {
	return l.out
}

func (l *layerRes) Vars() anydiff.VarSet {
	return l.vars
}

func (l *layerRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := l.creator
	h := l.hiddenSize
	batchSizes := l.in.BatchSizes
	numSteps := len(batchSizes)

	fwdUp, revUp := l.splitUpstream(u)

	needIn := g.Intersects(l.in.Data.Vars())
	var inGrads []anyvec.Vector
	if needIn {
		inGrads = make([]anyvec.Vector, numSteps)
		for t, n := range batchSizes {
			inGrads[t] = c.MakeVector(n * l.inputSize)
		}
	}

	backStep := func(rec *stepRecord, t int, hUp, cUp anyvec.Vector) (sgH, sgC anyvec.Vector) {
		pools := []*anydiff.Var{rec.inPool, rec.hPool, rec.cPool}
		for _, pool := range pools {
			g[pool] = c.MakeVector(pool.Vector.Len())
		}
		rec.h.Propagate(hUp, g)
		if cUp != nil {
			rec.c.Propagate(cUp, g)
		}
		if needIn {
			inGrads[t].Add(g[rec.inPool])
		}
		sgH, sgC = g[rec.hPool], g[rec.cPool]
		for _, pool := range pools {
			delete(g, pool)
		}
		return
	}

	// Forward direction: state gradient flows from the last
	// timestep back to the first, shrinking along with the
	// later step's batch.
	var sgH, sgC anyvec.Vector
	for t := numSteps - 1; t >= 0; t-- {
		rec := l.fwd[t]
		hUp := fwdUp[t]
		var cUp anyvec.Vector
		if sgH != nil {
			hUp.Slice(0, sgH.Len()).Add(sgH)
			cUp = c.MakeVector(rec.n * h)
			cUp.Slice(0, sgC.Len()).Set(sgC)
		}
		sgH, sgC = backStep(rec, t, hUp, cUp)
	}

	// Reverse direction: processing visited decreasing
	// timesteps, so the gradient walks increasing ones.
	// Rows that entered with initial state receive no
	// recurrent gradient.
	if l.rev != nil {
		sgH, sgC = nil, nil
		for t := 0; t < numSteps; t++ {
			rec := l.rev[t]
			hUp := revUp[t]
			var cUp anyvec.Vector
			if sgH != nil {
				hUp.Add(sgH.Slice(0, rec.n*h))
				cUp = sgC.Slice(0, rec.n*h).Copy()
			}
			sgH, sgC = backStep(rec, t, hUp, cUp)
		}
	}

	if needIn {
		l.in.Data.Propagate(c.Concat(inGrads...), g)
	}
}

// splitUpstream cuts the flat upstream vector into one
// owned per-timestep piece per direction.
func (l *layerRes) splitUpstream(u anyvec.Vector) (fwd, rev []anyvec.Vector) {
	h := l.hiddenSize
	batchSizes := l.in.BatchSizes
	fwd = make([]anyvec.Vector, len(batchSizes))
	var offset int
	if l.rev == nil {
		for t, n := range batchSizes {
			fwd[t] = u.Slice(offset, offset+n*h).Copy()
			offset += n * h
		}
		return fwd, nil
	}
	rev = make([]anyvec.Vector, len(batchSizes))
	for t, n := range batchSizes {
		var fwdParts, revParts []anyvec.Vector
		for i := 0; i < n; i++ {
			row := offset + i*2*h
			fwdParts = append(fwdParts, u.Slice(row, row+h))
			revParts = append(revParts, u.Slice(row+h, row+2*h))
		}
		fwd[t] = l.creator.Concat(fwdParts...)
		rev[t] = l.creator.Concat(revParts...)
		offset += n * 2 * h
	}
	return fwd, rev
}
