package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/offload"
	"github.com/samcharles93/scfdev/internal/pumap"
	"github.com/samcharles93/scfdev/internal/scenario"
	"github.com/urfave/cli/v3"
)

type verifyOptions struct {
	NAO, NAux, NSet, Blocks int
	NMO, NCore, NCas        int
	Seed                    uint64
	Tol                     float64
}

type checkResult struct {
	Name    string
	MaxDiff float64
	Err     error
}

func (r checkResult) ok(tol float64) bool {
	return r.Err == nil && r.MaxDiff <= tol
}

func verifyCmd() *cli.Command {
	opts := verifyOptions{}
	var seed int64
	return &cli.Command{
		Name:  "verify",
		Usage: "Run every offloaded operation on synthetic input and compare with the host reference",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "nao", Value: 24, Destination: &opts.NAO},
			&cli.IntFlag{Name: "naux", Value: 40, Destination: &opts.NAux},
			&cli.IntFlag{Name: "nset", Value: 2, Destination: &opts.NSet},
			&cli.IntFlag{Name: "blocks", Value: 4, Destination: &opts.Blocks},
			&cli.IntFlag{Name: "nmo", Value: 20, Destination: &opts.NMO},
			&cli.IntFlag{Name: "ncore", Value: 4, Destination: &opts.NCore},
			&cli.IntFlag{Name: "ncas", Value: 6, Destination: &opts.NCas},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
			&cli.Float64Flag{Name: "tol", Usage: "max absolute difference", Value: 1e-9, Destination: &opts.Tol},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts.Seed = uint64(seed)
			f, err := openFacade(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			results := runVerify(ctx, f, opts)
			failed := printChecks(outWriter(cmd), results, opts.Tol)
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("verify: %d of %d checks failed", failed, len(results)), 1)
			}
			logger.FromContext(ctx).Info("verify passed", "checks", len(results))
			return nil
		},
	}
}

func printChecks(w io.Writer, results []checkResult, tol float64) int {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHECK\tMAX DIFF\tRESULT")
	failed := 0
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != nil:
			status = "error: " + r.Err.Error()
			failed++
		case !r.ok(tol):
			status = "FAIL"
			failed++
		}
		_, _ = fmt.Fprintf(tw, "%s\t%.3e\t%s\n", r.Name, r.MaxDiff, status)
	}
	_ = tw.Flush()
	return failed
}

// runVerify exercises every facade operation once against its host reference.
func runVerify(ctx context.Context, f *offload.Facade, o verifyOptions) []checkResult {
	ref := linalg.GonumImpl{}
	maps := pumap.NewTable()
	var results []checkResult
	add := func(name string, got, want []float64, err error) {
		r := checkResult{Name: name, Err: err}
		if err == nil {
			r.MaxDiff = scenario.MaxDiff(got, want)
		}
		results = append(results, r)
	}

	jk := scenario.NewJK(o.NAO, o.NAux, o.NSet, o.Blocks, eri.OriginID(o.Seed), o.Seed, true)
	wantJ, wantK := jk.Reference(ref, true)
	for pass, name := range []string{"jk (cold cache)", "jk (warm cache)"} {
		vj, vk, err := jkCycle(ctx, f, jk, true)
		add(name+" vj", vj, wantJ, err)
		add(name+" vk", vk, wantK, err)
		if pass == 0 && err == nil && f.CacheEnabled() {
			if st := f.OriginStatus(jk.Origin); st.Valid != st.Blocks {
				results = append(results, checkResult{Name: "jk cache residency", Err: fmt.Errorf("%d of %d resident blocks valid", st.Valid, st.Blocks)})
			}
		}
	}
	f.InvalidateOrigin(jk.Origin)
	vj, _, err := jkCycle(ctx, f, jk, true)
	add("jk (invalidated) vj", vj, wantJ, err)

	for _, sym := range []kernels.Symmetry{kernels.Plain, kernels.Hermitian, kernels.Antihermitian, kernels.Symmetric} {
		in := scenario.NewAO2MO(o.NAux, o.NAO, o.NMO, sym, o.Seed+uint64(sym))
		got, err := f.AO2MOPass1(ctx, offload.AO2MORequest{
			NAux: in.NAux, NAO: in.NAO, NMO: in.NMO, Eri: in.Eri, MO: in.MO, Symmetry: sym.String(),
		})
		add("ao2mo pass1 "+sym.String(), got, in.Reference(ref), err)
	}

	orb := scenario.NewOrbital(o.NMO, o.NCore, o.NCas, o.Seed)
	req := offload.OrbitalRequest{
		NMO: orb.NMO, NCore: orb.NCore, NOcc: orb.NOcc,
		F1: orb.F1, PPAA: orb.PPAA, PAPA: orb.PAPA, EriPAAA: orb.EriPAAA, OCM2: orb.OCM2, TCM2: orb.TCM2,
	}
	g, err := f.OrbitalResponse(ctx, req)
	add("orbital response", g, kernels.OrbitalResponse(ref, orb), err)

	h := scenario.NewH2eff(o.NMO, o.NCore, o.NCas, o.Seed)
	got, err := f.UpdateH2eff(ctx, offload.H2effUpdate{NCore: h.NCore, NCas: h.NCas, NMO: h.NMO, UMat: h.UMat, H2eff: h.H2eff})
	add("h2eff update", got, h.Reference(ref, maps), err)

	rows := make([]int, o.Blocks)
	for i := range rows {
		rows[i] = o.NAux
	}
	df := scenario.NewH2effDF(o.NAO, o.NMO, o.NCore, o.NCas, rows, o.Seed)
	wantH, wantB := df.Reference(ref, maps, true)
	res, err := f.H2effDF(ctx, offload.H2effDFRequest{
		NAO: df.NAO, NMO: df.NMO, NCore: df.NCore, NCas: df.NCas,
		Blocks: df.Blocks, MO: df.MO, KeepBmuP: true,
	})
	add("h2eff df", res.H2eff, wantH, err)
	add("h2eff df bmup", res.BmuP, wantB, err)
	return results
}

// jkCycle runs one init/blocks/pull cycle.
func jkCycle(ctx context.Context, f *offload.Facade, jk scenario.JK, withK bool) ([]float64, []float64, error) {
	p := offload.Problem{NAO: jk.NAO, NAux: jk.NAux, NSet: jk.NSet, WithK: withK}
	if err := f.InitJK(ctx, p, jk.DMs); err != nil {
		return nil, nil, err
	}
	for b, blk := range jk.Blocks {
		if err := f.GetJK(ctx, offload.Block{Origin: jk.Origin, Index: b, NAux: jk.BlockAux[b], Data: blk}); err != nil {
			return nil, nil, err
		}
	}
	n := jk.NSet * jk.NAO * jk.NAO
	vj := make([]float64, n)
	var vk []float64
	if withK {
		vk = make([]float64, n)
	}
	if err := f.PullJK(ctx, vj, vk); err != nil {
		return nil, nil, err
	}
	return vj, vk, nil
}
