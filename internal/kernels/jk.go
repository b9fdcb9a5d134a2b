package kernels

import "github.com/samcharles93/scfdev/internal/linalg"

// JKRho computes rho = dmtril·eriᵀ, nset×naux, for one block of naux
// packed ERI rows.
func JKRho(impl linalg.Impl, naux, nset, npair int, eri, dmtril, rho []float64) {
	impl.Dgemm('T', 'N', naux, nset, npair, 1, eri, npair, dmtril, npair, 0, rho, naux)
}

// JKCoulomb accumulates vj += rho·eri in packed storage.
func JKCoulomb(impl linalg.Impl, naux, nset, npair int, eri, rho, vj []float64) {
	impl.Dgemm('N', 'N', npair, nset, naux, 1, eri, npair, rho, naux, 1, vj, npair)
}

// AO2MOBra forms buf1[P][i][m] = (E_P·D)[m][i] for every dense ERI slab
// E_P. dmT holds Dᵀ row-major, which is D in column-major order.
func AO2MOBra(impl linalg.Impl, nao, naux int, eri, dmT, buf1 []float64) {
	nn := nao * nao
	for p := 0; p < naux; p++ {
		impl.Dsymm('L', 'U', nao, nao, 1, eri[p*nn:(p+1)*nn], nao, dmT, nao, 0, buf1[p*nn:(p+1)*nn], nao)
	}
}

// JKExchange accumulates vk += Σ_P E_P·D·E_P given the bra-transformed
// buf1 and the dense slabs buf2.
func JKExchange(impl linalg.Impl, nao, naux int, buf1, buf2, vk []float64) {
	impl.Dgemm('N', 'T', nao, nao, naux*nao, 1, buf2, nao, buf1, nao, 1, vk, nao)
}

// JKBlock is the host path for one ERI block: vj (nset×npair, packed) and
// vk (nset×nao×nao) are accumulated in place. dms holds the nset density
// matrices row-major.
func JKBlock(impl linalg.Impl, nao, naux, nset int, eri, dms, vj, vk []float64, withK bool) {
	npair := NPair(nao)
	dmtril := make([]float64, nset*npair)
	DMTril(nset, nao, dms, dmtril)

	rho := make([]float64, nset*naux)
	JKRho(impl, naux, nset, npair, eri, dmtril, rho)
	JKCoulomb(impl, naux, nset, npair, eri, rho, vj)
	if !withK {
		return
	}

	nn := nao * nao
	buf2 := make([]float64, naux*nn)
	for p := 0; p < naux; p++ {
		UnpackTril(nao, eri[p*npair:(p+1)*npair], buf2[p*nn:(p+1)*nn], Hermitian)
	}
	dmT := make([]float64, nset*nn)
	Transpose(nset, nao, dms, dmT)
	buf1 := make([]float64, naux*nn)
	for k := 0; k < nset; k++ {
		AO2MOBra(impl, nao, naux, buf2, dmT[k*nn:(k+1)*nn], buf1)
		JKExchange(impl, nao, naux, buf1, buf2, vk[k*nn:(k+1)*nn])
	}
}

// FinishJ unpacks the accumulated packed Coulomb matrices into dense
// hermitian form.
func FinishJ(nset, nao int, vjPacked, vj []float64) {
	npair := NPair(nao)
	nn := nao * nao
	for k := 0; k < nset; k++ {
		UnpackTril(nao, vjPacked[k*npair:(k+1)*npair], vj[k*nn:(k+1)*nn], Hermitian)
	}
}
