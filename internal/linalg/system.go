package linalg

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// Reference BLAS symbols (LP64, trailing underscore).
var (
	systemOnce sync.Once
	systemErr  error
	systemLib  string

	dgemm func(transA, transB *byte, m, n, k *int32, alpha *float64, a *float64, lda *int32, b *float64, ldb *int32, beta *float64, c *float64, ldc *int32)
	dsymm func(side, uplo *byte, m, n *int32, alpha *float64, a *float64, lda *int32, b *float64, ldb *int32, beta *float64, c *float64, ldc *int32)
)

var systemCandidates = []string{
	"libopenblas.so.0",
	"libopenblas.so",
	"libblas.so.3",
	"libblas.so",
}

func loadSystem() error {
	systemOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range systemCandidates {
			lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				systemLib = name
				break
			}
		}
		if err != nil {
			systemErr = fmt.Errorf("cannot load system blas: %w", err)
			return
		}
		purego.RegisterLibFunc(&dgemm, lib, "dgemm_")
		purego.RegisterLibFunc(&dsymm, lib, "dsymm_")
	})
	return systemErr
}

// SystemImpl calls the host's Fortran BLAS loaded at runtime.
type SystemImpl struct {
	lib string
}

// OpenSystem loads the first available system BLAS library.
func OpenSystem() (*SystemImpl, error) {
	if err := loadSystem(); err != nil {
		return nil, err
	}
	return &SystemImpl{lib: systemLib}, nil
}

func (s *SystemImpl) Name() string { return System }

// Library reports the shared object that was loaded.
func (s *SystemImpl) Library() string { return s.lib }

func (s *SystemImpl) Dgemm(transA, transB byte, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	m32, n32, k32 := int32(m), int32(n), int32(k)
	lda32, ldb32, ldc32 := int32(lda), int32(ldb), int32(ldc)
	dgemm(&transA, &transB, &m32, &n32, &k32, &alpha, first(a), &lda32, first(b), &ldb32, &beta, first(c), &ldc32)
}

func (s *SystemImpl) Dsymm(side, uplo byte, m, n int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	m32, n32 := int32(m), int32(n)
	lda32, ldb32, ldc32 := int32(lda), int32(ldb), int32(ldc)
	dsymm(&side, &uplo, &m32, &n32, &alpha, first(a), &lda32, first(b), &ldb32, &beta, first(c), &ldc32)
}

func first(v []float64) *float64 {
	if len(v) == 0 {
		return nil
	}
	return &v[0]
}
