package kernels

import "github.com/samcharles93/scfdev/internal/linalg"

// MOTransform computes out = Cᵀ·E·C for a dense symmetric nao×nao slab e
// and row-major coefficients mo (nao×nmo). t is nmo×nao scratch.
func MOTransform(impl linalg.Impl, nao, nmo int, e, mo, t, out []float64) {
	// Row-major mo is Cᵀ in column-major order.
	impl.Dsymm('R', 'U', nmo, nao, 1, e, nao, mo, nmo, 0, t, nmo)
	impl.Dgemm('N', 'T', nmo, nmo, nao, 1, t, nmo, mo, nmo, 0, out, nmo)
}

// AO2MOPass1 transforms naux packed ERI rows to the MO basis, finishing each
// nmo×nmo result with SymmTriu(sym). out is naux×nmo×nmo.
func AO2MOPass1(impl linalg.Impl, naux, nao, nmo int, eri, mo []float64, sym Symmetry, out []float64) {
	npair := NPair(nao)
	mm := nmo * nmo
	e := make([]float64, nao*nao)
	t := make([]float64, nmo*nao)
	for p := 0; p < naux; p++ {
		UnpackTril(nao, eri[p*npair:(p+1)*npair], e, Hermitian)
		dst := out[p*mm : (p+1)*mm]
		MOTransform(impl, nao, nmo, e, mo, t, dst)
		SymmTriu(nmo, dst, sym)
	}
}

// Tiles splits n rows into consecutive [start, end) ranges of at most size
// rows.
func Tiles(n, size int) [][2]int {
	if size <= 0 {
		size = BlockDim
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
