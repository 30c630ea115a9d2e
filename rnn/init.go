package rnn

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anyvec"
)

// orthogonal produces a rows-by-cols row-major matrix
// whose rows (or columns, whichever there are fewer of)
// are orthonormal.
//
// It draws a Gaussian matrix and orthonormalizes it with
// modified Gram-Schmidt along the shorter dimension.
func orthogonal(c anyvec.Creator, rows, cols int, r *rand.Rand) anyvec.Vector {
	var data []float64
	if rows <= cols {
		data = orthonormalRows(rows, cols, r)
	} else {
		t := orthonormalRows(cols, rows, r)
		data = make([]float64, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				data[i*cols+j] = t[j*rows+i]
			}
		}
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

// orthonormalRows generates n orthonormal rows of
// dimension dim, where n <= dim.
func orthonormalRows(n, dim int, r *rand.Rand) []float64 {
	normal := rand.NormFloat64
	if r != nil {
		normal = r.NormFloat64
	}
	res := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		row := res[i*dim : (i+1)*dim]
		for {
			for j := range row {
				row[j] = normal()
			}
			for k := 0; k < i; k++ {
				prev := res[k*dim : (k+1)*dim]
				var dot float64
				for j, x := range prev {
					dot += x * row[j]
				}
				for j, x := range prev {
					row[j] -= dot * x
				}
			}
			var norm float64
			for _, x := range row {
				norm += x * x
			}
			norm = math.Sqrt(norm)
			// A degenerate draw is all but impossible, but a
			// near-zero residual would poison every later row.
			if norm > 1e-8 {
				for j := range row {
					row[j] /= norm
				}
				break
			}
		}
	}
	return res
}

// constVector makes a vector with every component set to
// the same value.
func constVector(c anyvec.Creator, n int, val float64) anyvec.Vector {
	data := make([]float64, n)
	for i := range data {
		data[i] = val
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}
