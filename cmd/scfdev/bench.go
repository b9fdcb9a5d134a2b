package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/samcharles93/scfdev/internal/offload"
	"github.com/samcharles93/scfdev/internal/scenario"
	"github.com/urfave/cli/v3"
)

type benchOptions struct {
	NAO, NAux, NSet, Blocks int
	Warmup, Runs            int
	WithK                   bool
}

type benchResult struct {
	Mode      string
	Runs      int
	Total     time.Duration
	Transfers int64
	Hits      int64
}

func (r benchResult) perCycle() time.Duration {
	if r.Runs == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Runs)
}

func benchCmd() *cli.Command {
	opts := benchOptions{}
	return &cli.Command{
		Name:  "bench",
		Usage: "Time J/K cycles with and without the ERI cache",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "nao", Value: 96, Destination: &opts.NAO},
			&cli.IntFlag{Name: "naux", Value: 240, Destination: &opts.NAux},
			&cli.IntFlag{Name: "nset", Value: 1, Destination: &opts.NSet},
			&cli.IntFlag{Name: "blocks", Value: 8, Destination: &opts.Blocks},
			&cli.IntFlag{Name: "warmup", Usage: "untimed cycles per mode", Value: 1, Destination: &opts.Warmup},
			&cli.IntFlag{Name: "runs", Usage: "timed cycles per mode", Value: 5, Destination: &opts.Runs},
			&cli.BoolFlag{Name: "with-k", Usage: "include exchange", Value: true, Destination: &opts.WithK},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := openFacade(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			results, err := runBench(ctx, f, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			printBench(outWriter(cmd), opts, results)
			return nil
		},
	}
}

// runBench times uncached cycles first so the cached run starts cold.
func runBench(ctx context.Context, f *offload.Facade, o benchOptions) ([]benchResult, error) {
	jk := scenario.NewJK(o.NAO, o.NAux, o.NSet, o.Blocks, 1, 7, false)
	restore := f.CacheEnabled()
	defer func() {
		if restore {
			f.EnableCache()
		} else {
			f.DisableCache()
		}
	}()

	var results []benchResult
	for _, mode := range []string{"uncached", "cached"} {
		f.InvalidateOrigin(jk.Origin)
		if mode == "cached" {
			f.EnableCache()
		} else {
			f.DisableCache()
		}
		for i := 0; i < o.Warmup; i++ {
			if _, _, err := jkCycle(ctx, f, jk, o.WithK); err != nil {
				return nil, err
			}
		}
		before := cacheTotals(f.Stats())
		start := time.Now()
		for i := 0; i < o.Runs; i++ {
			if _, _, err := jkCycle(ctx, f, jk, o.WithK); err != nil {
				return nil, err
			}
		}
		r := benchResult{Mode: mode, Runs: o.Runs, Total: time.Since(start)}
		after := cacheTotals(f.Stats())
		r.Transfers = after.Transfers - before.Transfers
		r.Hits = after.Hits - before.Hits
		results = append(results, r)
	}
	return results, nil
}

type totals struct{ Transfers, Hits int64 }

func cacheTotals(st offload.Stats) totals {
	var t totals
	for _, d := range st.Devices {
		t.Transfers += d.Cache.Transfers
		t.Hits += d.Cache.Hits
	}
	return t
}

func printBench(w io.Writer, o benchOptions, results []benchResult) {
	_, _ = fmt.Fprintf(w, "nao=%d naux=%d nset=%d blocks=%d with_k=%v\n", o.NAO, o.NAux, o.NSet, o.Blocks, o.WithK)
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%-9s %3d runs  %12s/cycle  transfers=%d hits=%d\n",
			r.Mode, r.Runs, r.perCycle().Round(time.Microsecond), r.Transfers, r.Hits)
	}
	if len(results) == 2 && results[1].Total > 0 {
		_, _ = fmt.Fprintf(w, "speedup   %.2fx\n", float64(results[0].Total)/float64(results[1].Total))
	}
}
