package kernels

import "github.com/samcharles93/scfdev/internal/linalg"

// OrbitalInput carries the CASSCF orbital-gradient intermediates. Layouts:
// PPAA (nmo,nmo,ncas,ncas), PAPA (nmo,ncas,nmo,ncas), EriPAAA
// (nmo,ncas,ncas,ncas), OCM2 (ncas,ncas,ncas,nmo), TCM2 (ncas,ncas,ncas,ncas).
type OrbitalInput struct {
	NMO, NCore, NOcc int

	F1      []float64
	PPAA    []float64
	PAPA    []float64
	EriPAAA []float64
	OCM2    []float64
	TCM2    []float64
}

func (in OrbitalInput) NCas() int { return in.NOcc - in.NCore }

// externalRanges are the core and virtual orbital ranges.
func (in OrbitalInput) externalRanges() [2][2]int {
	return [2][2]int{{0, in.NCore}, {in.NOcc, in.NMO}}
}

// OrbitalPairTerms adds the ppaa/papa contractions into f1 for every orbital p.
func OrbitalPairTerms(in OrbitalInput, f1 []float64) {
	nmo, ncore, ncas := in.NMO, in.NCore, in.NCas()
	n2 := ncas * ncas
	ocm2 := func(a, b, c, r int) float64 { return in.OCM2[((a*ncas+b)*ncas+c)*nmo+r] }
	for p := 0; p < nmo; p++ {
		praa := in.PPAA[p*nmo*n2 : (p+1)*nmo*n2]
		para := in.PAPA[p*ncas*nmo*ncas : (p+1)*ncas*nmo*ncas]
		paaa := praa[ncore*n2 : (ncore+ncas)*n2]
		row := f1[p*nmo : (p+1)*nmo]
		for _, rng := range in.externalRanges() {
			r0, r1 := rng[0], rng[1]
			for r := r0; r < r1; r++ {
				var sum float64
				for c := 0; c < ncas; c++ {
					for a := 0; a < ncas; a++ {
						for b := 0; b < ncas; b++ {
							sum += paaa[(c*ncas+a)*ncas+b] * ocm2(b, a, c, r)
						}
					}
				}
				row[r] += sum
			}
			for u := 0; u < ncas; u++ {
				var sum float64
				for r := r0; r < r1; r++ {
					for x := 0; x < ncas; x++ {
						for y := 0; y < ncas; y++ {
							sum += praa[(r*ncas+x)*ncas+y] * ocm2(x, y, u, r)
						}
					}
					for x := 0; x < ncas; x++ {
						for y := 0; y < ncas; y++ {
							v := para[(x*nmo+r)*ncas+y]
							sum += v * ocm2(x, u, y, r)
							sum += v * ocm2(u, x, y, r)
						}
					}
				}
				row[ncore+u] += sum
			}
		}
	}
}

// ECM2 builds e = o + o^(1032), e += e^(2301), e += tcm2 where o is the
// active-orbital slice of ocm2. out is ncas^4.
func ECM2(ncas, ncore, nmo int, ocm2, tcm2, out []float64) {
	n2 := ncas * ncas
	n3 := n2 * ncas
	idx := func(a, b, c, d int) int { return a*n3 + b*n2 + c*ncas + d }
	o := func(a, b, c, d int) float64 { return ocm2[((a*ncas+b)*ncas+c)*nmo+ncore+d] }
	e := make([]float64, n2*n2)
	for a := 0; a < ncas; a++ {
		for b := 0; b < ncas; b++ {
			for c := 0; c < ncas; c++ {
				for d := 0; d < ncas; d++ {
					e[idx(a, b, c, d)] = o(a, b, c, d) + o(b, a, d, c)
				}
			}
		}
	}
	for a := 0; a < ncas; a++ {
		for b := 0; b < ncas; b++ {
			for c := 0; c < ncas; c++ {
				for d := 0; d < ncas; d++ {
					i := idx(a, b, c, d)
					out[i] = e[i] + e[idx(c, d, a, b)] + tcm2[i]
				}
			}
		}
	}
}

// OrbitalExternal adds f1[p,ncore+u] += Σ eri_paaa[p,xyz]·ecm2[u,xyz] for p
// in the core and virtual ranges.
func OrbitalExternal(impl linalg.Impl, nmo, ncore, nocc int, eriPAAA, ecm2, f1 []float64) {
	for _, g := range OrbitalExternalGemms(nmo, ncore, nocc) {
		impl.Dgemm('T', 'N', g.M, g.N, g.K, 1, ecm2, g.K, eriPAAA[g.BOff:], g.K, 1, f1[g.COff:], nmo)
	}
}

// ExternalGemm describes one column-major update of the f1 active columns.
type ExternalGemm struct {
	M, N, K    int
	BOff, COff int
}

// OrbitalExternalGemms lists the non-empty core and virtual updates.
func OrbitalExternalGemms(nmo, ncore, nocc int) []ExternalGemm {
	ncas := nocc - ncore
	n3 := ncas * ncas * ncas
	var out []ExternalGemm
	if ncore > 0 {
		out = append(out, ExternalGemm{M: ncas, N: ncore, K: n3, BOff: 0, COff: ncore})
	}
	if nvir := nmo - nocc; nvir > 0 {
		out = append(out, ExternalGemm{M: ncas, N: nvir, K: n3, BOff: nocc * n3, COff: ncore + nocc*nmo})
	}
	return out
}

// OrbitalResponse is the host path: it returns G = F1 - F1ᵀ after all
// contributions are added to a copy of F1.
func OrbitalResponse(impl linalg.Impl, in OrbitalInput) []float64 {
	nmo, ncas := in.NMO, in.NCas()
	f1 := append([]float64(nil), in.F1...)
	OrbitalPairTerms(in, f1)
	ecm2 := make([]float64, ncas*ncas*ncas*ncas)
	ECM2(ncas, in.NCore, nmo, in.OCM2, in.TCM2, ecm2)
	OrbitalExternal(impl, nmo, in.NCore, in.NOcc, in.EriPAAA, ecm2, f1)
	g := make([]float64, nmo*nmo)
	Antisymmetrize(nmo, f1, g)
	return g
}
