package rnn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
)

// TestGradients verifies the back-propagated gradients
// for the weights and the packed input against central
// finite differences.
func TestGradients(t *testing.T) {
	cases := []struct {
		name      string
		bidir     bool
		withState bool
	}{
		{"Unidirectional", false, false},
		{"Bidirectional", true, false},
		{"BidirectionalWithState", true, true},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			c := testCreator()
			r := rand.New(rand.NewSource(42))
			const inSize = 2
			const hidden = 3
			batchSizes := []int{3, 2, 1}

			layer, err := NewLayer(c, inSize, hidden, test.bidir, 0)
			if err != nil {
				t.Fatal(err)
			}
			inVar := anydiff.NewVar(randVec(c, r, 6*inSize))
			packed, err := NewPacked(inVar, batchSizes)
			if err != nil {
				t.Fatal(err)
			}
			var s0 *State
			if test.withState {
				stateLen := layer.NumDirections() * 3 * hidden
				s0 = &State{
					Hidden: randVec(c, r, stateLen),
					Cell:   randVec(c, r, stateLen),
				}
			}

			out, _, err := layer.Apply(packed, s0, false)
			if err != nil {
				t.Fatal(err)
			}
			upstream := randVec(c, r, out.Data.Output().Len())

			// Dot the output with a fixed upstream vector so
			// the objective is scalar.
			objective := func() float64 {
				o, _, err := layer.Apply(packed, s0, false)
				if err != nil {
					t.Fatal(err)
				}
				var sum float64
				u := vecData(upstream)
				for i, x := range vecData(o.Data.Output()) {
					sum += u[i] * x
				}
				return sum
			}

			vars := append(layer.Parameters(), inVar)
			grad := anydiff.NewGrad(vars...)
			out.Data.Propagate(upstream.Copy(), grad)

			const eps = 1e-5
			for vi, v := range vars {
				analytic := vecData(grad[v])
				data := append([]float64{}, vecData(v.Vector)...)
				for i, orig := range data {
					data[i] = orig + eps
					v.Vector.Set(c.MakeVectorData(c.MakeNumericList(data)))
					plus := objective()
					data[i] = orig - eps
					v.Vector.Set(c.MakeVectorData(c.MakeNumericList(data)))
					minus := objective()
					data[i] = orig
					v.Vector.Set(c.MakeVectorData(c.MakeNumericList(data)))

					numeric := (plus - minus) / (2 * eps)
					if math.Abs(numeric-analytic[i]) > 1e-4 {
						t.Errorf("var %d component %d: analytic %v, numeric %v",
							vi, i, analytic[i], numeric)
					}
				}
			}
		})
	}
}
