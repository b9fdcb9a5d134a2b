// Package scenario generates deterministic synthetic inputs for the offloaded
// operations together with their host reference results. The CLI uses it for
// verify and bench runs; tests use it as fixtures.
package scenario

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/pumap"
)

type source struct{ r *rand.Rand }

func newSource(seed uint64) source {
	return source{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// fill returns n values in [-1, 1).
func (s source) fill(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 2*s.r.Float64() - 1
	}
	return out
}

// symmetric returns count symmetric n×n matrices.
func (s source) symmetric(count, n int) []float64 {
	out := make([]float64, count*n*n)
	for k := 0; k < count; k++ {
		m := out[k*n*n : (k+1)*n*n]
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				v := 2*s.r.Float64() - 1
				m[i*n+j] = v
				m[j*n+i] = v
			}
		}
	}
	return out
}

// JK is one density-fitted J/K cycle: nset density matrices and a list of
// ERI blocks from a single origin.
type JK struct {
	NAO    int
	NAux   int
	NSet   int
	Origin eri.OriginID
	DMs    []float64
	// Blocks[b] holds BlockAux[b] packed rows.
	Blocks   [][]float64
	BlockAux []int
}

// NewJK builds nblocks blocks of naux rows each, except that shortLast trims
// the final block to half its rows.
func NewJK(nao, naux, nset, nblocks int, origin eri.OriginID, seed uint64, shortLast bool) JK {
	rows := make([]int, nblocks)
	for b := range rows {
		rows[b] = naux
		if shortLast && b == nblocks-1 {
			rows[b] = max(1, naux/2)
		}
	}
	jk := NewJKBlocks(nao, nset, rows, origin, seed, true)
	jk.NAux = naux
	return jk
}

// NewJKBlocks builds one block per entry of blockAux with that many rows.
// NAux is the largest block. With symmetricDM unset the density matrices
// are general square matrices.
func NewJKBlocks(nao, nset int, blockAux []int, origin eri.OriginID, seed uint64, symmetricDM bool) JK {
	s := newSource(seed)
	npair := kernels.NPair(nao)
	jk := JK{NAO: nao, NSet: nset, Origin: origin}
	if symmetricDM {
		jk.DMs = s.symmetric(nset, nao)
	} else {
		jk.DMs = s.fill(nset * nao * nao)
	}
	for _, rows := range blockAux {
		jk.NAux = max(jk.NAux, rows)
		jk.Blocks = append(jk.Blocks, s.fill(rows*npair))
		jk.BlockAux = append(jk.BlockAux, rows)
	}
	return jk
}

// Reference computes dense J and K (nset×nao×nao) on the host.
func (jk JK) Reference(impl linalg.Impl, withK bool) (vj, vk []float64) {
	nn := jk.NAO * jk.NAO
	packed := make([]float64, jk.NSet*kernels.NPair(jk.NAO))
	vk = make([]float64, jk.NSet*nn)
	for b, blk := range jk.Blocks {
		kernels.JKBlock(impl, jk.NAO, jk.BlockAux[b], jk.NSet, blk, jk.DMs, packed, vk, withK)
	}
	vj = make([]float64, jk.NSet*nn)
	kernels.FinishJ(jk.NSet, jk.NAO, packed, vj)
	if !withK {
		vk = nil
	}
	return vj, vk
}

// DenseReference computes J and K with plain loops over the unpacked
// fitting slabs E_P: J = Σ_P E_P·(E_P:D) and K = Σ_P E_P·D·E_P.
func (jk JK) DenseReference() (vj, vk []float64) {
	n := jk.NAO
	nn := n * n
	npair := kernels.NPair(n)
	vj = make([]float64, jk.NSet*nn)
	vk = make([]float64, jk.NSet*nn)
	e := make([]float64, nn)
	ed := make([]float64, nn)
	for b, blk := range jk.Blocks {
		for p := 0; p < jk.BlockAux[b]; p++ {
			row := blk[p*npair : (p+1)*npair]
			for i := 0; i < n; i++ {
				for j := 0; j <= i; j++ {
					v := row[i*(i+1)/2+j]
					e[i*n+j] = v
					e[j*n+i] = v
				}
			}
			for k := 0; k < jk.NSet; k++ {
				d := jk.DMs[k*nn : (k+1)*nn]
				rho := 0.0
				for x := range e {
					rho += e[x] * d[x]
				}
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						sum := 0.0
						for l := 0; l < n; l++ {
							sum += e[i*n+l] * d[l*n+j]
						}
						ed[i*n+j] = sum
					}
				}
				outJ := vj[k*nn : (k+1)*nn]
				outK := vk[k*nn : (k+1)*nn]
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						outJ[i*n+j] += rho * e[i*n+j]
						sum := 0.0
						for m := 0; m < n; m++ {
							sum += ed[i*n+m] * e[m*n+j]
						}
						outK[i*n+j] += sum
					}
				}
			}
		}
	}
	return vj, vk
}

// AO2MO is a pass-1 transform input.
type AO2MO struct {
	NAux, NAO, NMO int
	Eri, MO        []float64
	Symmetry       kernels.Symmetry
}

func NewAO2MO(naux, nao, nmo int, sym kernels.Symmetry, seed uint64) AO2MO {
	s := newSource(seed)
	return AO2MO{
		NAux: naux, NAO: nao, NMO: nmo, Symmetry: sym,
		Eri: s.fill(naux * kernels.NPair(nao)),
		MO:  s.fill(nao * nmo),
	}
}

func (a AO2MO) Reference(impl linalg.Impl) []float64 {
	out := make([]float64, a.NAux*a.NMO*a.NMO)
	kernels.AO2MOPass1(impl, a.NAux, a.NAO, a.NMO, a.Eri, a.MO, a.Symmetry, out)
	return out
}

func NewOrbital(nmo, ncore, ncas int, seed uint64) kernels.OrbitalInput {
	s := newSource(seed)
	n2 := ncas * ncas
	return kernels.OrbitalInput{
		NMO: nmo, NCore: ncore, NOcc: ncore + ncas,
		F1:      s.fill(nmo * nmo),
		PPAA:    s.fill(nmo * nmo * n2),
		PAPA:    s.fill(nmo * ncas * nmo * ncas),
		EriPAAA: s.fill(nmo * n2 * ncas),
		OCM2:    s.fill(n2 * ncas * nmo),
		TCM2:    s.fill(n2 * n2),
	}
}

// H2eff is an h2eff rotation input.
type H2eff struct {
	NCore, NCas, NMO int
	UMat, H2eff      []float64
}

func NewH2eff(nmo, ncore, ncas int, seed uint64) H2eff {
	s := newSource(seed)
	return H2eff{
		NCore: ncore, NCas: ncas, NMO: nmo,
		UMat:  s.fill(nmo * nmo),
		H2eff: s.fill(nmo * ncas * kernels.NPair(ncas)),
	}
}

func (h H2eff) Reference(impl linalg.Impl, maps *pumap.Table) []float64 {
	unpack := maps.Fetch(pumap.H2effUnpack, h.NCas).Map
	pack := maps.Fetch(pumap.H2effPack, h.NCas).Map
	return kernels.UpdateH2eff(impl, h.NCore, h.NCas, h.NMO, h.UMat, h.H2eff, unpack, pack)
}

// H2effDF is a density-fitted h2eff build input.
type H2effDF struct {
	NAO, NMO, NCore, NCas int
	Blocks                [][]float64
	MO                    []float64
}

// NewH2effDF builds one block per entry of blockAux.
func NewH2effDF(nao, nmo, ncore, ncas int, blockAux []int, seed uint64) H2effDF {
	s := newSource(seed)
	npair := kernels.NPair(nao)
	df := H2effDF{NAO: nao, NMO: nmo, NCore: ncore, NCas: ncas}
	for _, rows := range blockAux {
		df.Blocks = append(df.Blocks, s.fill(rows*npair))
	}
	df.MO = s.fill(nao * nmo)
	return df
}

func (d H2effDF) Reference(impl linalg.Impl, maps *pumap.Table, keep bool) ([]float64, []float64) {
	unpack := maps.Fetch(pumap.Unpack2D, d.NAO).Map
	pack := maps.Fetch(pumap.H2effPack, d.NCas).Map
	return kernels.H2effDF(impl, d.NAO, d.NMO, d.NCore, d.NCas, d.Blocks, d.MO, unpack, pack, keep)
}

// MaxDiff returns the largest absolute elementwise difference, or +Inf when
// the lengths differ.
func MaxDiff(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		d := math.Abs(a[i] - b[i])
		if math.IsNaN(d) {
			return d
		}
		worst = max(worst, d)
	}
	return worst
}
