// Package kernels holds the numerical routines launched on offload devices.
// All matrices are row-major []float64. The same functions form the host
// reference path the device results are checked against.
package kernels

import "fmt"

// Symmetry selects how the upper triangle is derived from the lower one.
type Symmetry int

const (
	Plain Symmetry = iota
	Hermitian
	Antihermitian
	Symmetric
)

func (s Symmetry) String() string {
	switch s {
	case Plain:
		return "plain"
	case Hermitian:
		return "hermitian"
	case Antihermitian:
		return "antihermitian"
	case Symmetric:
		return "symmetric"
	default:
		return fmt.Sprintf("symmetry(%d)", int(s))
	}
}

// ParseSymmetry accepts a name or its numeric tag.
func ParseSymmetry(name string) (Symmetry, error) {
	switch name {
	case "", "plain", "0":
		return Plain, nil
	case "hermitian", "1":
		return Hermitian, nil
	case "antihermitian", "2":
		return Antihermitian, nil
	case "symmetric", "3":
		return Symmetric, nil
	default:
		return Plain, fmt.Errorf("unknown symmetry %q", name)
	}
}

// BlockDim is the tile edge of the blocked triangular fill.
const BlockDim = 104

// NPair is the packed lower-triangle length of an n×n matrix.
func NPair(n int) int { return n * (n + 1) / 2 }

// PackTril copies the lower triangle (j <= i) of mat into out in row order.
func PackTril(n int, mat, out []float64) {
	ij := 0
	for i := 0; i < n; i++ {
		row := mat[i*n : i*n+i+1]
		copy(out[ij:ij+i+1], row)
		ij += i + 1
	}
}

// UnpackTril writes the packed triangle into the lower half of mat and then
// derives the upper half according to sym. Plain leaves the upper half as
// it was.
func UnpackTril(n int, tril, mat []float64, sym Symmetry) {
	ij := 0
	for i := 0; i < n; i++ {
		copy(mat[i*n:i*n+i+1], tril[ij:ij+i+1])
		ij += i + 1
	}
	if sym != Plain {
		SymmTriu(n, mat, sym)
	}
}

// SymmTriu overwrites the upper triangle of mat from the lower one, walking
// BlockDim-wide column tiles. The diagonal is included, so the
// antihermitian fill negates it.
func SymmTriu(n int, mat []float64, sym Symmetry) {
	if sym == Plain {
		return
	}
	neg := sym == Antihermitian
	for j0 := 0; j0 < n; j0 += BlockDim {
		j1 := min(j0+BlockDim, n)
		for i := 0; i < j1; i++ {
			for j := max(i, j0); j < j1; j++ {
				if neg {
					mat[i*n+j] = -mat[j*n+i]
				} else {
					mat[i*n+j] = mat[j*n+i]
				}
			}
		}
	}
}

// UnpackMapped gathers dense elements from packed storage through an index
// map: out[i] = tril[idx[i]]. rows packed vectors of length npair are
// expanded into rows dense blocks of length len(idx).
func UnpackMapped(rows, npair int, idx []int32, tril, out []float64) {
	size := len(idx)
	for r := 0; r < rows; r++ {
		src := tril[r*npair : (r+1)*npair]
		dst := out[r*size : (r+1)*size]
		for i, k := range idx {
			dst[i] = src[k]
		}
	}
}

// PackMapped is the inverse gather: out[k] = dense[idx[k]] per row.
func PackMapped(rows, size int, idx []int32, dense, out []float64) {
	npair := len(idx)
	for r := 0; r < rows; r++ {
		src := dense[r*size : (r+1)*size]
		dst := out[r*npair : (r+1)*npair]
		for k, i := range idx {
			dst[k] = src[i]
		}
	}
}

// DMTril packs dm + dmᵀ with the diagonal halved, one set at a time.
func DMTril(nset, n int, dms, out []float64) {
	npair := NPair(n)
	for k := 0; k < nset; k++ {
		dm := dms[k*n*n : (k+1)*n*n]
		dst := out[k*npair : (k+1)*npair]
		ij := 0
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				v := dm[i*n+j] + dm[j*n+i]
				if i == j {
					v *= 0.5
				}
				dst[ij] = v
				ij++
			}
		}
	}
}

// Transpose writes the transpose of each of nset n×n matrices.
func Transpose(nset, n int, in, out []float64) {
	for k := 0; k < nset; k++ {
		src := in[k*n*n : (k+1)*n*n]
		dst := out[k*n*n : (k+1)*n*n]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				dst[j*n+i] = src[i*n+j]
			}
		}
	}
}

// Antisymmetrize sets g = f - fᵀ.
func Antisymmetrize(n int, f, g []float64) {
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g[i*n+j] = f[i*n+j] - f[j*n+i]
		}
	}
}
