package linalg

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

// GonumImpl runs column-major calls on gonum's row-major BLAS by operating on
// the transposed problem: a column-major m×n matrix with leading dimension ld
// is the row-major n×m matrix with the same stride.
type GonumImpl struct {
	impl gonum.Implementation
}

func (GonumImpl) Name() string { return Gonum }

func (g GonumImpl) Dgemm(transA, transB byte, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	// cᵀ = op(B)ᵀ·op(A)ᵀ
	g.impl.Dgemm(transpose(transB), transpose(transA), n, m, k, alpha, b, ldb, a, lda, beta, c, ldc)
}

func (g GonumImpl) Dsymm(side, uplo byte, m, n int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	// The stored triangle of A flips under transposition and so does the side.
	s := blas.Left
	if isLeft(side) {
		s = blas.Right
	}
	ul := blas.Upper
	if isUpper(uplo) {
		ul = blas.Lower
	}
	g.impl.Dsymm(s, ul, n, m, alpha, a, lda, b, ldb, beta, c, ldc)
}

func transpose(flag byte) blas.Transpose {
	if isTrans(flag) {
		return blas.Trans
	}
	return blas.NoTrans
}
