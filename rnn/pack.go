package rnn

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// A Packed is a batch of variable-length sequences stored
// without padding.
//
// The sequences are ordered by descending length.
// Data holds one slice per timestep, each slice holding
// one row per sequence still active at that timestep, so
// slice t is BatchSizes[t] rows long.
type Packed struct {
	Data anydiff.Res

	// BatchSizes[t] counts the sequences whose length
	// exceeds t. It is positive and non-increasing.
	BatchSizes []int
}

// NewPacked creates a Packed and validates its metadata
// against the data size.
func NewPacked(data anydiff.Res, batchSizes []int) (*Packed, error) {
	res := &Packed{Data: data, BatchSizes: batchSizes}
	if err := res.check(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Packed) check() error {
	if p == nil || p.Data == nil || len(p.BatchSizes) == 0 {
		return unsupportedErr("input is not a packed sequence batch")
	}
	last := p.BatchSizes[0]
	total := 0
	for _, n := range p.BatchSizes {
		if n <= 0 || n > last {
			return unsupportedErr("batch sizes must be positive and non-increasing")
		}
		last = n
		total += n
	}
	if total == 0 || p.Data.Output().Len()%total != 0 {
		return shapeErr("packed batch", "data length %d is not a multiple of %d rows",
			p.Data.Output().Len(), total)
	}
	return nil
}

// NumSteps returns the number of timesteps, which is the
// length of the longest sequence.
func (p *Packed) NumSteps() int {
	return len(p.BatchSizes)
}

// MaxBatch returns the number of sequences in the batch.
func (p *Packed) MaxBatch() int {
	return p.BatchSizes[0]
}

// Lengths returns the per-sequence lengths implied by the
// batch sizes.
func (p *Packed) Lengths() []int {
	res := make([]int, p.MaxBatch())
	for _, n := range p.BatchSizes {
		for i := 0; i < n; i++ {
			res[i]++
		}
	}
	return res
}

// numRows returns the total row count across timesteps.
func (p *Packed) numRows() int {
	var total int
	for _, n := range p.BatchSizes {
		total += n
	}
	return total
}

// width returns the per-row feature size.
func (p *Packed) width() int {
	return p.Data.Output().Len() / p.numRows()
}

// Pack packs per-sequence timestep vectors into a Packed.
//
// The sequences must be ordered by descending length,
// must all be non-empty, and every timestep vector must
// have the same size.
// The packed data is constant; use NewPacked directly to
// pack differentiable data.
func Pack(c anyvec.Creator, seqs [][]anyvec.Vector) (*Packed, error) {
	if len(seqs) == 0 || len(seqs[0]) == 0 {
		return nil, unsupportedErr("cannot pack an empty batch")
	}
	width := seqs[0][0].Len()
	for i, seq := range seqs {
		if len(seq) == 0 {
			return nil, unsupportedErr("sequence %d is empty", i)
		}
		if i > 0 && len(seq) > len(seqs[i-1]) {
			return nil, unsupportedErr("sequences are not in descending length order")
		}
		for _, vec := range seq {
			if vec.Len() != width {
				return nil, shapeErr("pack", "timestep size %d (want %d)", vec.Len(), width)
			}
		}
	}

	var parts []anyvec.Vector
	var batchSizes []int
	for t := 0; t < len(seqs[0]); t++ {
		var n int
		for _, seq := range seqs {
			if t < len(seq) {
				parts = append(parts, seq[t])
				n++
			}
		}
		batchSizes = append(batchSizes, n)
	}
	return &Packed{
		Data:       anydiff.NewConst(c.Concat(parts...)),
		BatchSizes: batchSizes,
	}, nil
}

// Unpack restores the per-sequence timestep vectors from
// a Packed, inverting Pack.
func Unpack(p *Packed) ([][]anyvec.Vector, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	width := p.width()
	data := p.Data.Output()
	res := make([][]anyvec.Vector, p.MaxBatch())
	var offset int
	for _, n := range p.BatchSizes {
		for i := 0; i < n; i++ {
			row := data.Slice(offset, offset+width).Copy()
			res[i] = append(res[i], row)
			offset += width
		}
	}
	return res, nil
}

// SeqToPacked converts an anyseq.Seq to a Packed.
//
// The sequence batch must already be a descending-length
// packing: at every timestep the present sequences must
// be a prefix of the batch.
// Any other present map is rejected; no reordering is
// attempted.
//
// The resulting data is a constant capture of the
// sequence's output; it does not retain the sequence's
// gradient graph.
func SeqToPacked(s anyseq.Seq) (*Packed, error) {
	out := s.Output()
	if len(out) == 0 {
		return nil, unsupportedErr("cannot pack an empty batch")
	}
	var parts []anyvec.Vector
	var batchSizes []int
	for t, batch := range out {
		n := batch.NumPresent()
		for i, present := range batch.Present {
			if present != (i < n) {
				return nil, unsupportedErr("timestep %d is not a descending-length packing", t)
			}
		}
		parts = append(parts, batch.Packed)
		batchSizes = append(batchSizes, n)
	}
	return &Packed{
		Data:       anydiff.NewConst(s.Creator().Concat(parts...)),
		BatchSizes: batchSizes,
	}, nil
}

// Seq exposes a Packed as an anyseq.Seq with one batch
// per timestep, for composition with anyseq transforms
// such as tail extraction.
// Gradients propagate through to the Packed's data.
func (p *Packed) Seq(c anyvec.Creator) anyseq.Seq {
	width := p.width()
	maxBatch := p.MaxBatch()
	batches := make([]*anyseq.ResBatch, len(p.BatchSizes))
	var offset int
	for t, n := range p.BatchSizes {
		present := make([]bool, maxBatch)
		for i := 0; i < n; i++ {
			present[i] = true
		}
		batches[t] = &anyseq.ResBatch{
			Packed:  sliceRes(p.Data, offset, offset+n*width),
			Present: present,
		}
		offset += n * width
	}
	return anyseq.ResSeq(c, batches)
}

// sliceRes is a differentiable sub-range of a Res.
// Upstream gradients are zero-expanded to the full range
// before propagating, the same way tail extraction pads
// its upstream batches.
func sliceRes(in anydiff.Res, start, end int) anydiff.Res {
	return &sliceResult{
		In:    in,
		Out:   in.Output().Slice(start, end),
		Start: start,
	}
}

type sliceResult struct {
	In    anydiff.Res
	Out   anyvec.Vector
	Start int
}

func (s *sliceResult) Output() anyvec.Vector {
	return s.Out
}

func (s *sliceResult) Vars() anydiff.VarSet {
	return s.In.Vars()
}

func (s *sliceResult) Propagate(u anyvec.Vector, g anydiff.Grad) {
	full := u.Creator().MakeVector(s.In.Output().Len())
	full.Slice(s.Start, s.Start+u.Len()).Set(u)
	s.In.Propagate(full, g)
}
