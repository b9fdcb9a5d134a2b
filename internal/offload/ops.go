package offload

import (
	"context"
	"fmt"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/pumap"
)

// buffers grows every named buffer on dc and returns them in order.
func buffers(dc *deviceContext, names []string, sizes []int) ([]device.Buffer, error) {
	out := make([]device.Buffer, len(names))
	for i, name := range names {
		b, _, err := dc.pool.Ensure(name, sizes[i])
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", dc.id(), err)
		}
		out[i] = b
	}
	return out, nil
}

// finish waits for dc and tags its failure with op.
func finish(dc *deviceContext, op string) error {
	if err := dc.sync(); err != nil {
		return fmt.Errorf("%s on device %d: %w", op, dc.id(), err)
	}
	return nil
}

type AO2MORequest struct {
	NAux int `json:"naux" msgpack:"naux"`
	NAO  int `json:"nao" msgpack:"nao"`
	NMO  int `json:"nmo" msgpack:"nmo"`
	// BlockSize is the aux tile height. Zero uses the configured tile.
	BlockSize int       `json:"block_size,omitempty" msgpack:"block_size,omitempty"`
	Eri       []float64 `json:"eri" msgpack:"eri"`
	MO        []float64 `json:"mo" msgpack:"mo"`
	Symmetry  string    `json:"symmetry,omitempty" msgpack:"symmetry,omitempty"`
}

// AO2MOPass1 transforms naux packed ERI rows into dense nmo×nmo MO blocks
// on the active device, tile by tile.
func (f *Facade) AO2MOPass1(ctx context.Context, req AO2MORequest) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	const op = "ao2mo_pass1"
	for _, c := range []struct {
		field string
		n     int
	}{{"naux", req.NAux}, {"nao", req.NAO}, {"nmo", req.NMO}} {
		if err := checkPositive(op, c.field, c.n); err != nil {
			return nil, err
		}
	}
	sym, err := kernels.ParseSymmetry(req.Symmetry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDimension, err)
	}
	nao, nmo := req.NAO, req.NMO
	npair := kernels.NPair(nao)
	if err := checkLen(op, "eri", req.Eri, req.NAux*npair); err != nil {
		return nil, err
	}
	if err := checkLen(op, "mo", req.MO, nao*nmo); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	dc, err := f.current()
	if err != nil {
		return nil, err
	}
	tile := req.BlockSize
	if tile <= 0 {
		tile = f.cfg.Tile
	}
	tile = min(tile, req.NAux)
	nn, mm := nao*nao, nmo*nmo

	bufs, err := buffers(dc,
		[]string{"mo", "eri1", "buf2", "buf3", "buf1"},
		[]int{nao * nmo, tile * npair, tile * nn, tile * nmo * nao, tile * mm})
	if err != nil {
		return nil, err
	}
	moBuf, eriBuf, slabs, tmp, res := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4]
	idx := f.pumaps.Fetch(pumap.Unpack2D, nao).Map

	out := make([]float64, req.NAux*mm)
	if err := dc.dev.Upload(moBuf, 0, req.MO); err != nil {
		return nil, err
	}
	for _, t := range kernels.Tiles(req.NAux, tile) {
		rows := t[1] - t[0]
		if err := dc.dev.Upload(eriBuf, 0, req.Eri[t[0]*npair:t[1]*npair]); err != nil {
			return nil, err
		}
		err := dc.dev.Launch("unpack2d", func(v [][]float64) {
			kernels.UnpackMapped(rows, npair, idx, v[0], v[1])
		}, eriBuf, slabs)
		if err != nil {
			return nil, err
		}
		for p := 0; p < rows; p++ {
			if err := dc.dev.Symm(device.Symm{
				Side: 'R', Uplo: 'U', M: nmo, N: nao, Alpha: 1,
				A: slabs, AOff: p * nn, LDA: nao,
				B: moBuf, LDB: nmo,
				C: tmp, COff: p * nmo * nao, LDC: nmo,
			}); err != nil {
				return nil, err
			}
			if err := dc.dev.Gemm(device.Gemm{
				TransA: 'N', TransB: 'T', M: nmo, N: nmo, K: nao, Alpha: 1,
				A: tmp, AOff: p * nmo * nao, LDA: nmo,
				B: moBuf, LDB: nmo,
				C: res, COff: p * mm, LDC: nmo,
			}); err != nil {
				return nil, err
			}
		}
		if sym != kernels.Plain {
			err := dc.dev.Launch("symm_triu", func(v [][]float64) {
				for p := 0; p < rows; p++ {
					kernels.SymmTriu(nmo, v[0][p*mm:(p+1)*mm], sym)
				}
			}, res)
			if err != nil {
				return nil, err
			}
		}
		if err := dc.dev.Download(out[t[0]*mm:t[1]*mm], res, 0); err != nil {
			return nil, err
		}
	}
	if err := finish(dc, op); err != nil {
		return nil, err
	}
	return out, nil
}

// OrbitalRequest carries the orbital-gradient intermediates; see
// kernels.OrbitalInput for layouts.
type OrbitalRequest struct {
	NMO     int       `json:"nmo" msgpack:"nmo"`
	NCore   int       `json:"ncore" msgpack:"ncore"`
	NOcc    int       `json:"nocc" msgpack:"nocc"`
	F1      []float64 `json:"f1" msgpack:"f1"`
	PPAA    []float64 `json:"ppaa" msgpack:"ppaa"`
	PAPA    []float64 `json:"papa" msgpack:"papa"`
	EriPAAA []float64 `json:"eri_paaa" msgpack:"eri_paaa"`
	OCM2    []float64 `json:"ocm2" msgpack:"ocm2"`
	TCM2    []float64 `json:"tcm2" msgpack:"tcm2"`
}

func (r OrbitalRequest) Input() kernels.OrbitalInput {
	return kernels.OrbitalInput{
		NMO: r.NMO, NCore: r.NCore, NOcc: r.NOcc,
		F1: r.F1, PPAA: r.PPAA, PAPA: r.PAPA, EriPAAA: r.EriPAAA, OCM2: r.OCM2, TCM2: r.TCM2,
	}
}

func (r OrbitalRequest) validate() error {
	const op = "orbital_response"
	if err := checkPositive(op, "nmo", r.NMO); err != nil {
		return err
	}
	if r.NCore < 0 || r.NCore > r.NMO {
		return dimError(op, "ncore", r.NCore, 0)
	}
	ncas := r.NOcc - r.NCore
	if ncas < 1 || r.NOcc > r.NMO {
		return dimError(op, "nocc", r.NOcc, r.NCore+1)
	}
	nmo, n2 := r.NMO, ncas*ncas
	for _, c := range []struct {
		field string
		v     []float64
		want  int
	}{
		{"f1", r.F1, nmo * nmo},
		{"ppaa", r.PPAA, nmo * nmo * n2},
		{"papa", r.PAPA, nmo * ncas * nmo * ncas},
		{"eri_paaa", r.EriPAAA, nmo * n2 * ncas},
		{"ocm2", r.OCM2, n2 * ncas * nmo},
		{"tcm2", r.TCM2, n2 * n2},
	} {
		if err := checkLen(op, c.field, c.v, c.want); err != nil {
			return err
		}
	}
	return nil
}

// OrbitalResponse accumulates the orbital-gradient terms into F1 on the
// active device and returns G = F1 - F1ᵀ (nmo×nmo).
func (f *Facade) OrbitalResponse(ctx context.Context, req OrbitalRequest) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, err := f.current()
	if err != nil {
		return nil, err
	}
	const op = "orbital_response"
	nmo, ncore, nocc := req.NMO, req.NCore, req.NOcc
	ncas := nocc - ncore
	n2 := ncas * ncas

	hosts := [][]float64{req.F1, req.PPAA, req.PAPA, req.EriPAAA, req.OCM2, req.TCM2}
	bufs, err := buffers(dc,
		[]string{"f1", "ppaa", "papa", "paaa", "ocm2", "tcm2", "ecm2", "g"},
		[]int{nmo * nmo, len(req.PPAA), len(req.PAPA), len(req.EriPAAA), len(req.OCM2), len(req.TCM2), n2 * n2, nmo * nmo})
	if err != nil {
		return nil, err
	}
	for i, h := range hosts {
		if err := dc.dev.Upload(bufs[i], 0, h); err != nil {
			return nil, err
		}
	}
	f1, ppaa, papa, paaa, ocm2, tcm2, ecm2, g := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4], bufs[5], bufs[6], bufs[7]

	err = dc.dev.Launch("orbital_pairs", func(v [][]float64) {
		in := kernels.OrbitalInput{NMO: nmo, NCore: ncore, NOcc: nocc,
			PPAA: v[1], PAPA: v[2], OCM2: v[3]}
		kernels.OrbitalPairTerms(in, v[0])
	}, f1, ppaa, papa, ocm2)
	if err != nil {
		return nil, err
	}
	err = dc.dev.Launch("ecm2", func(v [][]float64) {
		kernels.ECM2(ncas, ncore, nmo, v[0], v[1], v[2])
	}, ocm2, tcm2, ecm2)
	if err != nil {
		return nil, err
	}
	for _, gm := range kernels.OrbitalExternalGemms(nmo, ncore, nocc) {
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'T', TransB: 'N', M: gm.M, N: gm.N, K: gm.K, Alpha: 1,
			A: ecm2, LDA: gm.K,
			B: paaa, BOff: gm.BOff, LDB: gm.K,
			Beta: 1, C: f1, COff: gm.COff, LDC: nmo,
		}); err != nil {
			return nil, err
		}
	}
	err = dc.dev.Launch("antisymmetrize", func(v [][]float64) {
		kernels.Antisymmetrize(nmo, v[0], v[1])
	}, f1, g)
	if err != nil {
		return nil, err
	}
	out := make([]float64, nmo*nmo)
	if err := dc.dev.Download(out, g, 0); err != nil {
		return nil, err
	}
	if err := finish(dc, op); err != nil {
		return nil, err
	}
	return out, nil
}

// H2effUpdate rotates h2eff (nmo × ncas × npair) by UMat (nmo×nmo).
type H2effUpdate struct {
	NCore int       `json:"ncore" msgpack:"ncore"`
	NCas  int       `json:"ncas" msgpack:"ncas"`
	NOcc  int       `json:"nocc,omitempty" msgpack:"nocc,omitempty"`
	NMO   int       `json:"nmo" msgpack:"nmo"`
	UMat  []float64 `json:"umat" msgpack:"umat"`
	H2eff []float64 `json:"h2eff" msgpack:"h2eff"`
}

func (r H2effUpdate) validate() error {
	const op = "update_h2eff"
	if err := checkPositive(op, "nmo", r.NMO); err != nil {
		return err
	}
	if err := checkPositive(op, "ncas", r.NCas); err != nil {
		return err
	}
	if r.NCore < 0 || r.NCore+r.NCas > r.NMO {
		return dimError(op, "ncore", r.NCore, r.NMO-r.NCas)
	}
	if r.NOcc != 0 && r.NOcc != r.NCore+r.NCas {
		return dimError(op, "nocc", r.NOcc, r.NCore+r.NCas)
	}
	if err := checkLen(op, "umat", r.UMat, r.NMO*r.NMO); err != nil {
		return err
	}
	return checkLen(op, "h2eff", r.H2eff, r.NMO*r.NCas*kernels.NPair(r.NCas))
}

// UpdateH2eff returns h2eff rotated by umat, in the input's packed layout.
func (f *Facade) UpdateH2eff(ctx context.Context, req H2effUpdate) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, err := f.current()
	if err != nil {
		return nil, err
	}
	const op = "update_h2eff"
	nmo, ncore, ncas := req.NMO, req.NCore, req.NCas
	n2 := ncas * ncas
	npair := kernels.NPair(ncas)
	rows := nmo * ncas

	bufs, err := buffers(dc,
		[]string{"umat", "ucas", "h2eff", "buf1", "buf2", "buf3"},
		[]int{nmo * nmo, n2, rows * npair, rows * n2, rows * n2, rows * n2})
	if err != nil {
		return nil, err
	}
	umat, ucas, h2eff, h, t1, t2 := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4], bufs[5]
	unpack := f.pumaps.Fetch(pumap.H2effUnpack, ncas).Map
	pack := f.pumaps.Fetch(pumap.H2effPack, ncas).Map

	if err := dc.dev.Upload(umat, 0, req.UMat); err != nil {
		return nil, err
	}
	if err := dc.dev.Upload(h2eff, 0, req.H2eff); err != nil {
		return nil, err
	}
	err = dc.dev.Launch("active_block", func(v [][]float64) {
		kernels.ActiveBlock(nmo, ncore, ncas, v[0], v[1])
	}, umat, ucas)
	if err != nil {
		return nil, err
	}
	err = dc.dev.Launch("h2eff_unpack", func(v [][]float64) {
		kernels.UnpackMapped(rows, npair, unpack, v[0], v[1])
	}, h2eff, h)
	if err != nil {
		return nil, err
	}
	for p := 0; p < nmo; p++ {
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'N', TransB: 'T', M: n2, N: ncas, K: ncas, Alpha: 1,
			A: h, AOff: p * ncas * n2, LDA: n2,
			B: ucas, LDB: ncas,
			C: t1, COff: p * n2, LDC: nmo * n2,
		}); err != nil {
			return nil, err
		}
	}
	for x := 0; x < ncas; x++ {
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'N', TransB: 'T', M: n2, N: nmo, K: nmo, Alpha: 1,
			A: t1, AOff: x * nmo * n2, LDA: n2,
			B: umat, LDB: nmo,
			C: t2, COff: x * n2, LDC: ncas * n2,
		}); err != nil {
			return nil, err
		}
	}
	// Two pair rotations: t2 → h → t1.
	for _, pass := range [][2]device.Buffer{{t2, h}, {h, t1}} {
		for r := 0; r < rows; r++ {
			if err := dc.dev.Gemm(device.Gemm{
				TransA: 'N', TransB: 'T', M: ncas, N: ncas, K: ncas, Alpha: 1,
				A: ucas, LDA: ncas,
				B: pass[0], BOff: r * n2, LDB: ncas,
				C: pass[1], COff: r * n2, LDC: ncas,
			}); err != nil {
				return nil, err
			}
		}
	}
	err = dc.dev.Launch("h2eff_pack", func(v [][]float64) {
		kernels.PackMapped(rows, n2, pack, v[0], v[1])
	}, t1, h2eff)
	if err != nil {
		return nil, err
	}
	out := make([]float64, rows*npair)
	if err := dc.dev.Download(out, h2eff, 0); err != nil {
		return nil, err
	}
	if err := finish(dc, op); err != nil {
		return nil, err
	}
	return out, nil
}

// H2effDFRequest builds h2eff from density-fitted ERI blocks, each
// naux_b × nao_pair. A non-zero Origin routes the blocks through the ERI
// cache of the active device, keyed by block position.
type H2effDFRequest struct {
	NAO      int          `json:"nao" msgpack:"nao"`
	NMO      int          `json:"nmo" msgpack:"nmo"`
	NCas     int          `json:"ncas" msgpack:"ncas"`
	NCore    int          `json:"ncore" msgpack:"ncore"`
	NAux     int          `json:"naux,omitempty" msgpack:"naux,omitempty"`
	Blocks   [][]float64  `json:"blocks" msgpack:"blocks"`
	MO       []float64    `json:"mo" msgpack:"mo"`
	KeepBmuP bool         `json:"keep_bmup,omitempty" msgpack:"keep_bmup,omitempty"`
	Origin   eri.OriginID `json:"origin,omitempty" msgpack:"origin,omitempty"`
}

// H2effDFResult holds h2eff (nmo × ncas × npair) and, when requested, the
// half-transformed factors laid out (aux, nao, ncas) over all blocks.
type H2effDFResult struct {
	H2eff []float64 `json:"h2eff" msgpack:"h2eff"`
	BmuP  []float64 `json:"bmup,omitempty" msgpack:"bmup,omitempty"`
}

// auxRows returns each block's row count.
func (r H2effDFRequest) auxRows() ([]int, error) {
	const op = "h2eff_df"
	for _, c := range []struct {
		field string
		n     int
	}{{"nao", r.NAO}, {"nmo", r.NMO}, {"ncas", r.NCas}} {
		if err := checkPositive(op, c.field, c.n); err != nil {
			return nil, err
		}
	}
	if r.NCore < 0 || r.NCore+r.NCas > r.NMO {
		return nil, dimError(op, "ncore", r.NCore, r.NMO-r.NCas)
	}
	if err := checkLen(op, "mo", r.MO, r.NAO*r.NMO); err != nil {
		return nil, err
	}
	npair := kernels.NPair(r.NAO)
	rows := make([]int, len(r.Blocks))
	for i, blk := range r.Blocks {
		if len(blk) == 0 || len(blk)%npair != 0 {
			return nil, dimError(op, fmt.Sprintf("blocks[%d]", i), len(blk), npair*max(1, len(blk)/npair))
		}
		rows[i] = len(blk) / npair
		if r.NAux > 0 && rows[i] > r.NAux {
			return nil, dimError(op, fmt.Sprintf("blocks[%d].naux", i), rows[i], r.NAux)
		}
	}
	return rows, nil
}

func (f *Facade) H2effDF(ctx context.Context, req H2effDFRequest) (H2effDFResult, error) {
	if err := ctx.Err(); err != nil {
		return H2effDFResult{}, err
	}
	rows, err := req.auxRows()
	if err != nil {
		return H2effDFResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, err := f.current()
	if err != nil {
		return H2effDFResult{}, err
	}
	const op = "h2eff_df"
	nao, nmo, ncore, ncas := req.NAO, req.NMO, req.NCore, req.NCas
	npair := kernels.NPair(nao)
	nn, n2, n3 := nao*nao, ncas*ncas, ncas*ncas*ncas
	maxAux, total := 1, 0
	for _, r := range rows {
		maxAux = max(maxAux, r)
		total += r
	}

	bufs, err := buffers(dc,
		[]string{"mo", "buf2", "bmup", "buf1", "eri_acc", "h2dense", "h2eff"},
		[]int{nao * nmo, maxAux * nn, maxAux * nao * ncas, maxAux * n2, nao * n3, nmo * n3, nmo * ncas * kernels.NPair(ncas)})
	if err != nil {
		return H2effDFResult{}, err
	}
	moBuf, slabs, bmup, buvP, acc, h2dense, h2pack := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4], bufs[5], bufs[6]
	unpack := f.pumaps.Fetch(pumap.Unpack2D, nao).Map
	pack := f.pumaps.Fetch(pumap.H2effPack, ncas).Map

	if err := dc.dev.Upload(moBuf, 0, req.MO); err != nil {
		return H2effDFResult{}, err
	}
	if err := dc.dev.Zero(acc, nao*n3); err != nil {
		return H2effDFResult{}, err
	}

	var kept []float64
	if req.KeepBmuP {
		kept = make([]float64, total*nao*ncas)
	}
	offset := 0
	for b, blk := range req.Blocks {
		naux := rows[b]
		src, err := f.stage(dc, eri.Key{Origin: req.Origin, Block: b}, req.Origin != 0, naux, npair, blk)
		if err != nil {
			return H2effDFResult{}, err
		}
		err = dc.dev.Launch("unpack2d", func(v [][]float64) {
			kernels.UnpackMapped(naux, npair, unpack, v[0], v[1])
		}, src, slabs)
		if err != nil {
			return H2effDFResult{}, err
		}
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'N', TransB: 'N', M: ncas, N: naux * nao, K: nao, Alpha: 1,
			A: moBuf, AOff: ncore, LDA: nmo,
			B: slabs, LDB: nao,
			C: bmup, LDC: ncas,
		}); err != nil {
			return H2effDFResult{}, err
		}
		for p := 0; p < naux; p++ {
			if err := dc.dev.Gemm(device.Gemm{
				TransA: 'N', TransB: 'T', M: ncas, N: ncas, K: nao, Alpha: 1,
				A: bmup, AOff: p * nao * ncas, LDA: ncas,
				B: moBuf, BOff: ncore, LDB: nmo,
				C: buvP, COff: p * n2, LDC: ncas,
			}); err != nil {
				return H2effDFResult{}, err
			}
		}
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'N', TransB: 'T', M: n2, N: nao * ncas, K: naux, Alpha: 1,
			A: buvP, LDA: n2,
			B: bmup, LDB: nao * ncas,
			Beta: 1, C: acc, LDC: n2,
		}); err != nil {
			return H2effDFResult{}, err
		}
		if req.KeepBmuP {
			n := naux * nao * ncas
			if err := dc.dev.Download(kept[offset:offset+n], bmup, 0); err != nil {
				return H2effDFResult{}, err
			}
			offset += n
		}
	}
	if err := dc.dev.Gemm(device.Gemm{
		TransA: 'N', TransB: 'T', M: n3, N: nmo, K: nao, Alpha: 1,
		A: acc, LDA: n3,
		B: moBuf, LDB: nmo,
		C: h2dense, LDC: n3,
	}); err != nil {
		return H2effDFResult{}, err
	}
	err = dc.dev.Launch("h2eff_pack", func(v [][]float64) {
		kernels.PackMapped(nmo*ncas, n2, pack, v[0], v[1])
	}, h2dense, h2pack)
	if err != nil {
		return H2effDFResult{}, err
	}
	out := make([]float64, nmo*ncas*kernels.NPair(ncas))
	if err := dc.dev.Download(out, h2pack, 0); err != nil {
		return H2effDFResult{}, err
	}
	if err := finish(dc, op); err != nil {
		return H2effDFResult{}, err
	}
	return H2effDFResult{H2eff: out, BmuP: kept}, nil
}
