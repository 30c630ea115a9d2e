package rnn

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

func testSequences(c anyvec.Creator, r *rand.Rand, width int,
	lengths ...int) [][]anyvec.Vector {
	res := make([][]anyvec.Vector, len(lengths))
	for i, length := range lengths {
		for j := 0; j < length; j++ {
			res[i] = append(res[i], randVec(c, r, width))
		}
	}
	return res
}

func TestPackRoundTrip(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(11))
	seqs := testSequences(c, r, 3, 5, 3, 1)

	packed, err := Pack(c, seqs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(packed.BatchSizes, []int{3, 2, 2, 1, 1}) {
		t.Errorf("bad batch sizes: %v", packed.BatchSizes)
	}
	if !reflect.DeepEqual(packed.Lengths(), []int{5, 3, 1}) {
		t.Errorf("bad lengths: %v", packed.Lengths())
	}

	unpacked, err := Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if len(unpacked) != len(seqs) {
		t.Fatalf("got %d sequences, want %d", len(unpacked), len(seqs))
	}
	for i, seq := range seqs {
		if len(unpacked[i]) != len(seq) {
			t.Fatalf("sequence %d: got length %d, want %d", i, len(unpacked[i]), len(seq))
		}
		for j, vec := range seq {
			if !reflect.DeepEqual(vecData(unpacked[i][j]), vecData(vec)) {
				t.Errorf("sequence %d timestep %d differs", i, j)
			}
		}
	}
}

func TestPackRejectsUnsorted(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(12))
	seqs := testSequences(c, r, 2, 3, 5)
	if _, err := Pack(c, seqs); err == nil {
		t.Error("expected error for ascending lengths")
	} else if _, ok := err.(*UnsupportedInputError); !ok {
		t.Errorf("expected *UnsupportedInputError, got %T", err)
	}
}

func TestSeqToPacked(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(13))
	seqs := testSequences(c, r, 2, 4, 2, 1)

	packed, err := SeqToPacked(anyseq.ConstSeqList(c, seqs))
	if err != nil {
		t.Fatal(err)
	}
	direct, err := Pack(c, seqs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(packed.BatchSizes, direct.BatchSizes) {
		t.Errorf("batch sizes %v, want %v", packed.BatchSizes, direct.BatchSizes)
	}
	if !reflect.DeepEqual(vecData(packed.Data.Output()), vecData(direct.Data.Output())) {
		t.Error("packed data differs")
	}
}

func TestSeqToPackedRejectsUnsorted(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(14))
	// Lane 0 ends before lane 1, so the present map at the
	// second timestep is not a prefix of the batch.
	seqs := testSequences(c, r, 2, 1, 3)
	if _, err := SeqToPacked(anyseq.ConstSeqList(c, seqs)); err == nil {
		t.Error("expected error for non-packed present map")
	} else if _, ok := err.(*UnsupportedInputError); !ok {
		t.Errorf("expected *UnsupportedInputError, got %T", err)
	}
}

func TestPackedSeqView(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(15))
	seqs := testSequences(c, r, 3, 3, 2)
	packed, err := Pack(c, seqs)
	if err != nil {
		t.Fatal(err)
	}

	out := packed.Seq(c).Output()
	if len(out) != packed.NumSteps() {
		t.Fatalf("got %d batches, want %d", len(out), packed.NumSteps())
	}
	wantPresent := [][]bool{{true, true}, {true, true}, {true, false}}
	for i, batch := range out {
		if !reflect.DeepEqual(batch.Present, wantPresent[i]) {
			t.Errorf("batch %d: present %v, want %v", i, batch.Present, wantPresent[i])
		}
	}

	back, err := SeqToPacked(packed.Seq(c))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vecData(back.Data.Output()), vecData(packed.Data.Output())) {
		t.Error("round trip through anyseq changed the data")
	}
}

func TestNewPackedValidation(t *testing.T) {
	c := testCreator()
	r := rand.New(rand.NewSource(16))

	if _, err := NewPacked(nil, nil); err == nil {
		t.Error("expected error for nil data")
	}

	data := randConst(c, r, 12)
	if _, err := NewPacked(data, []int{2, 3}); err == nil {
		t.Error("expected error for increasing batch sizes")
	}
	if _, err := NewPacked(data, []int{2, 1, 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := NewPacked(data, []int{2, 2, 1}); err == nil {
		t.Error("expected error for indivisible data length")
	}
}
