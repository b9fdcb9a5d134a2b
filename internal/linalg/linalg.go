// Package linalg exposes the two BLAS level-3 routines the offload kernels
// need, with Fortran (column-major) conventions: explicit leading dimensions
// and 'N'/'T' transpose flags. Implementations are selected by name.
package linalg

import (
	"fmt"
	"strings"
)

const (
	Gonum  = "gonum"
	System = "system"
)

// Impl is a column-major BLAS provider.
type Impl interface {
	Name() string
	// Dgemm computes C = alpha*op(A)*op(B) + beta*C where op(A) is m×k and
	// op(B) is k×n.
	Dgemm(transA, transB byte, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int)
	// Dsymm computes C = alpha*A*B + beta*C (side 'L') or
	// C = alpha*B*A + beta*C (side 'R') with A symmetric, reading only the
	// triangle named by uplo.
	Dsymm(side, uplo byte, m, n int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int)
}

// Normalize canonicalizes an implementation name. Empty selects gonum.
func Normalize(name string) (string, error) {
	impl := strings.ToLower(strings.TrimSpace(name))
	if impl == "" {
		return Gonum, nil
	}
	switch impl {
	case Gonum, System:
		return impl, nil
	default:
		return "", fmt.Errorf("unknown blas implementation %q (expected gonum or system)", impl)
	}
}

// Open returns the named implementation.
func Open(name string) (Impl, error) {
	impl, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch impl {
	case System:
		return OpenSystem()
	default:
		return GonumImpl{}, nil
	}
}

// MatMul computes row-major c = a·b (+ c when accumulate) with a m×k and b k×n.
func MatMul(impl Impl, m, n, k int, a, b, c []float64, accumulate bool) {
	beta := 0.0
	if accumulate {
		beta = 1
	}
	// Row-major c is column-major cᵀ = bᵀ·aᵀ.
	impl.Dgemm('N', 'N', n, m, k, 1, b, n, a, k, beta, c, n)
}

// MatMulT computes row-major c = aᵀ·b (+ c when accumulate) with a k×m and b k×n.
func MatMulT(impl Impl, m, n, k int, a, b, c []float64, accumulate bool) {
	beta := 0.0
	if accumulate {
		beta = 1
	}
	impl.Dgemm('N', 'T', n, m, k, 1, b, n, a, m, beta, c, n)
}

func isTrans(flag byte) bool {
	return flag == 'T' || flag == 't' || flag == 'C' || flag == 'c'
}

func isLeft(flag byte) bool {
	return flag == 'L' || flag == 'l'
}

func isUpper(flag byte) bool {
	return flag == 'U' || flag == 'u'
}
