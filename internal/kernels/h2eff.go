package kernels

import "github.com/samcharles93/scfdev/internal/linalg"

// ActiveBlock copies umat[ncore:ncore+ncas, ncore:ncore+ncas] into ucas.
func ActiveBlock(nmo, ncore, ncas int, umat, ucas []float64) {
	for a := 0; a < ncas; a++ {
		copy(ucas[a*ncas:(a+1)*ncas], umat[(ncore+a)*nmo+ncore:(ncore+a)*nmo+ncore+ncas])
	}
}

// RotateAuxIndex computes T1[x,p,b,c] = Σ_a ucas[a,x]·H[p,a,b,c] for one p.
// h points at H[p], t1 at T1[0,p].
func RotateAuxIndex(impl linalg.Impl, nmo, ncas int, h, ucas, t1 []float64) {
	n2 := ncas * ncas
	impl.Dgemm('N', 'T', n2, ncas, ncas, 1, h, n2, ucas, ncas, 0, t1, nmo*n2)
}

// RotateOrbitalIndex computes T2[q,x,b,c] = Σ_p umat[p,q]·T1[x,p,b,c] for
// one x. t1 points at T1[x], t2 at T2[0,x].
func RotateOrbitalIndex(impl linalg.Impl, nmo, ncas int, t1, umat, t2 []float64) {
	n2 := ncas * ncas
	impl.Dgemm('N', 'T', n2, nmo, nmo, 1, t1, n2, umat, nmo, 0, t2, ncas*n2)
}

// RotatePairs transforms every n×n block M of in to Mᵀ·u, moving the first
// index to the back: out[r][c][y] = Σ_b in[r][b][c]·u[b][y].
func RotatePairs(impl linalg.Impl, blocks, n int, u, in, out []float64) {
	nn := n * n
	for r := 0; r < blocks; r++ {
		impl.Dgemm('N', 'T', n, n, n, 1, u, n, in[r*nn:(r+1)*nn], n, 0, out[r*nn:(r+1)*nn], n)
	}
}

// UpdateH2eff rotates h2eff (nmo×ncas×npair) by umat and returns the result
// in the same packed layout. unpack and pack are the H2effUnpack and
// H2effPack maps for ncas.
func UpdateH2eff(impl linalg.Impl, ncore, ncas, nmo int, umat, h2eff []float64, unpack, pack []int32) []float64 {
	n2 := ncas * ncas
	npair := NPair(ncas)
	rows := nmo * ncas

	ucas := make([]float64, n2)
	ActiveBlock(nmo, ncore, ncas, umat, ucas)

	h := make([]float64, rows*n2)
	UnpackMapped(rows, npair, unpack, h2eff, h)

	t1 := make([]float64, rows*n2)
	for p := 0; p < nmo; p++ {
		RotateAuxIndex(impl, nmo, ncas, h[p*ncas*n2:], ucas, t1[p*n2:])
	}
	t2 := make([]float64, rows*n2)
	for x := 0; x < ncas; x++ {
		RotateOrbitalIndex(impl, nmo, ncas, t1[x*nmo*n2:], umat, t2[x*n2:])
	}
	RotatePairs(impl, rows, ncas, ucas, t2, h)
	RotatePairs(impl, rows, ncas, ucas, h, t1)

	out := make([]float64, rows*npair)
	PackMapped(rows, n2, pack, t1, out)
	return out
}

// DFAuxToActive computes bPmu[P,m,u] = Σ_n E_P[m,n]·C[n,ncore+u] for naux
// dense slabs.
func DFAuxToActive(impl linalg.Impl, nao, nmo, ncore, ncas, naux int, eri, mo, bPmu []float64) {
	impl.Dgemm('N', 'N', ncas, naux*nao, nao, 1, mo[ncore:], nmo, eri, nao, 0, bPmu, ncas)
}

// DFActivePair computes buvP[P,v,w] = Σ_m C[m,ncore+v]·bPmu[P,m,w] for one P.
func DFActivePair(impl linalg.Impl, nao, nmo, ncore, ncas int, bPmu, mo, buvP []float64) {
	impl.Dgemm('N', 'T', ncas, ncas, nao, 1, bPmu, ncas, mo[ncore:], nmo, 0, buvP, ncas)
}

// DFAccumulate adds eri[m,u,v,w] += Σ_P bPmu[P,m,u]·buvP[P,v,w].
func DFAccumulate(impl linalg.Impl, nao, ncas, naux int, bPmu, buvP, eri []float64) {
	n2 := ncas * ncas
	impl.Dgemm('N', 'T', n2, nao*ncas, naux, 1, buvP, n2, bPmu, nao*ncas, 1, eri, n2)
}

// DFFinish computes h2[q,u,v,w] = Σ_m C[m,q]·eri[m,u,v,w].
func DFFinish(impl linalg.Impl, nao, nmo, ncas int, eri, mo, h2 []float64) {
	n3 := ncas * ncas * ncas
	impl.Dgemm('N', 'T', n3, nmo, nao, 1, eri, n3, mo, nmo, 0, h2, n3)
}

// H2effDF builds h2eff (nmo×ncas×npair) from density-fitted blocks, each
// naux_b×nao_pair. When keep is set the concatenated bPmu (Σnaux_b, nao,
// ncas) is returned as well. unpack is the Unpack2D map for nao and pack the
// H2effPack map for ncas.
func H2effDF(impl linalg.Impl, nao, nmo, ncore, ncas int, blocks [][]float64, mo []float64, unpack, pack []int32, keep bool) ([]float64, []float64) {
	npairAO := NPair(nao)
	nn := nao * nao
	n2 := ncas * ncas
	eri := make([]float64, nao*ncas*n2)
	var kept []float64
	for _, blk := range blocks {
		naux := len(blk) / npairAO
		if naux == 0 {
			continue
		}
		dense := make([]float64, naux*nn)
		UnpackMapped(naux, npairAO, unpack, blk, dense)
		bPmu := make([]float64, naux*nao*ncas)
		DFAuxToActive(impl, nao, nmo, ncore, ncas, naux, dense, mo, bPmu)
		buvP := make([]float64, naux*n2)
		for p := 0; p < naux; p++ {
			DFActivePair(impl, nao, nmo, ncore, ncas, bPmu[p*nao*ncas:], mo, buvP[p*n2:])
		}
		DFAccumulate(impl, nao, ncas, naux, bPmu, buvP, eri)
		if keep {
			kept = append(kept, bPmu...)
		}
	}
	h2 := make([]float64, nmo*ncas*n2)
	DFFinish(impl, nao, nmo, ncas, eri, mo, h2)
	out := make([]float64, nmo*ncas*NPair(ncas))
	PackMapped(nmo*ncas, n2, pack, h2, out)
	return out, kept
}
