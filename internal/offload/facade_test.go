package offload

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/scenario"
)

const tol = 1e-10

var ref = linalg.GonumImpl{}

func newHostFacade(t *testing.T, mutate func(*Config)) *Facade {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = device.Host
	cfg.HostMemoryLimit = 1 << 30
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return f
}

func problemOf(jk scenario.JK, withK bool) Problem {
	return Problem{NAO: jk.NAO, NAux: jk.NAux, NSet: jk.NSet, WithK: withK}
}

func runCycle(t *testing.T, f *Facade, jk scenario.JK, withK bool) ([]float64, []float64) {
	t.Helper()
	ctx := context.Background()
	if err := f.InitJK(ctx, problemOf(jk, withK), jk.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	for b, blk := range jk.Blocks {
		if err := f.GetJK(ctx, Block{Origin: jk.Origin, Index: b, NAux: jk.BlockAux[b], Data: blk}); err != nil {
			t.Fatalf("GetJK(%d): %v", b, err)
		}
	}
	nn := jk.NSet * jk.NAO * jk.NAO
	vj := make([]float64, nn)
	var vk []float64
	if withK {
		vk = make([]float64, nn)
	}
	if err := f.PullJK(ctx, vj, vk); err != nil {
		t.Fatalf("PullJK: %v", err)
	}
	return vj, vk
}

func assertClose(t *testing.T, name string, got, want []float64) {
	t.Helper()
	if d := scenario.MaxDiff(got, want); !(d <= tol) {
		t.Fatalf("%s: max diff %g exceeds %g", name, d, tol)
	}
}

func TestNewOpensRequestedDevices(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, func(c *Config) {
		c.HostDevices = 3
		c.Devices = []int{2, 0}
	})
	if f.DeviceCount() != 3 {
		t.Fatalf("DeviceCount = %d, want 3", f.DeviceCount())
	}
	devs := f.Devices()
	if len(devs) != 2 || devs[0].ID != 2 || devs[1].ID != 0 {
		t.Fatalf("unexpected devices %+v", devs)
	}
	if f.ActiveDevice() != 2 {
		t.Fatalf("active device = %d, want 2", f.ActiveDevice())
	}
	if err := f.SetDevice(0); err != nil {
		t.Fatalf("SetDevice(0): %v", err)
	}
	if err := f.SetDevice(1); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("SetDevice on an unopened device: got %v", err)
	}
	if _, err := f.Properties(1); err != nil {
		t.Fatalf("Properties(1): %v", err)
	}
	if _, err := f.Properties(3); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("Properties(3): got %v", err)
	}
}

func TestNewRejectsUnknownDevice(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Backend = device.Host
	cfg.Devices = []int{4}
	if _, err := New(context.Background(), cfg, logger.Discard()); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("got %v, want ErrInvalidDevice", err)
	}
	cfg.Devices = []int{0, 0}
	if _, err := New(context.Background(), cfg, logger.Discard()); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("duplicate id: got %v, want ErrInvalidDevice", err)
	}
}

func TestJKCachedMatchesUncached(t *testing.T) {
	t.Parallel()
	jk := scenario.NewJK(10, 20, 1, 3, 11, 2024, false)
	wantJ, wantK := jk.Reference(ref, true)

	cached := newHostFacade(t, nil)
	uncached := newHostFacade(t, func(c *Config) { c.CacheEnabled = false })

	var first [2][]float64
	for cycle := 0; cycle < 2; cycle++ {
		vj, vk := runCycle(t, cached, jk, true)
		assertClose(t, "cached vj", vj, wantJ)
		assertClose(t, "cached vk", vk, wantK)
		if cycle == 0 {
			first = [2][]float64{vj, vk}
		}
	}
	vj, vk := runCycle(t, uncached, jk, true)
	if scenario.MaxDiff(vj, first[0]) != 0 || scenario.MaxDiff(vk, first[1]) != 0 {
		t.Fatalf("cached and uncached results differ")
	}

	st := cached.OriginStatus(11)
	if st.Blocks != 3 || st.Valid != 3 || st.Updates != 3 || st.Uses != 3 || st.Devices != 1 {
		t.Fatalf("unexpected cached status %+v", st)
	}
	if st := uncached.OriginStatus(11); st.Blocks != 0 {
		t.Fatalf("disabled cache registered blocks: %+v", st)
	}
	cs := cached.Stats().Devices[0].Cache
	if cs.Hits != 3 || cs.Transfers != 3 {
		t.Fatalf("unexpected cache stats %+v", cs)
	}
}

func TestJKAuxSplitOverBlocks(t *testing.T) {
	t.Parallel()
	jk := scenario.NewJKBlocks(10, 1, []int{7, 7, 6}, 12, 2025, true)
	wantJ, wantK := jk.DenseReference()

	cached := newHostFacade(t, nil)
	uncached := newHostFacade(t, func(c *Config) {
		c.CacheEnabled = false
		c.HostDevices = 2
	})
	for cycle := 0; cycle < 2; cycle++ {
		vj, vk := runCycle(t, cached, jk, true)
		assertClose(t, "cached vj", vj, wantJ)
		assertClose(t, "cached vk", vk, wantK)
	}
	vj, vk := runCycle(t, uncached, jk, true)
	assertClose(t, "uncached vj", vj, wantJ)
	assertClose(t, "uncached vk", vk, wantK)

	if st := cached.OriginStatus(12); st.Blocks != 3 || st.Valid != 3 || st.Bytes != 20*55*8 {
		t.Fatalf("unexpected cached status %+v", st)
	}
}

func TestJKGeneralDensityMatrices(t *testing.T) {
	t.Parallel()
	jk := scenario.NewJKBlocks(10, 2, []int{7, 7, 6}, 14, 99, false)
	wantJ, wantK := jk.DenseReference()
	f := newHostFacade(t, func(c *Config) { c.HostDevices = 2 })
	for cycle := 0; cycle < 2; cycle++ {
		vj, vk := runCycle(t, f, jk, true)
		assertClose(t, "vj", vj, wantJ)
		assertClose(t, "vk", vk, wantK)
	}
	vj, _ := runCycle(t, f, jk, false)
	assertClose(t, "vj without k", vj, wantJ)
}

func TestStreamFailureLeavesBlocksStale(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, func(c *Config) { c.HostDevices = 1 })
	jk := scenario.NewJK(6, 5, 1, 1, 21, 8, false)
	wantJ, wantK := jk.Reference(ref, true)
	ctx := context.Background()

	if err := f.InitJK(ctx, problemOf(jk, true), jk.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	dc := f.contexts[0]
	if err := dc.dev.Launch("fault", func([][]float64) { panic("kernel fault") }, dc.pool.Get("rho")); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := f.GetJK(ctx, Block{Origin: jk.Origin, Index: 0, NAux: jk.BlockAux[0], Data: jk.Blocks[0]}); err != nil {
		t.Fatalf("GetJK: %v", err)
	}
	nn := jk.NAO * jk.NAO
	if err := f.PullJK(ctx, make([]float64, nn), make([]float64, nn)); err == nil {
		t.Fatalf("PullJK must report the failed kernel")
	}
	if st := f.OriginStatus(jk.Origin); st.Blocks != 1 || st.Valid != 0 {
		t.Fatalf("block copied by a failed stream stayed valid: %+v", st)
	}
	if n := dc.cache.Pending(); n != 0 {
		t.Fatalf("%d copies still pending after the failed sync", n)
	}

	vj, vk := runCycle(t, f, jk, true)
	assertClose(t, "vj after failure", vj, wantJ)
	assertClose(t, "vk after failure", vk, wantK)
	if st := f.OriginStatus(jk.Origin); st.Valid != 1 || st.Updates != 2 {
		t.Fatalf("retry must refill the block once: %+v", st)
	}
}

func TestPullJKResultSizesFromCycle(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, func(c *Config) { c.HostDevices = 2 })
	ctx := context.Background()
	if _, _, _, err := f.PullJKResult(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("pull before init: got %v", err)
	}

	jk := scenario.NewJK(5, 4, 2, 3, 15, 6, true)
	wantJ, _ := jk.Reference(ref, false)
	if err := f.InitJK(ctx, problemOf(jk, false), jk.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	for b, blk := range jk.Blocks {
		if err := f.GetJK(ctx, Block{Origin: jk.Origin, Index: b, NAux: jk.BlockAux[b], Data: blk}); err != nil {
			t.Fatalf("GetJK(%d): %v", b, err)
		}
	}
	p, vj, vk, err := f.PullJKResult(ctx)
	if err != nil {
		t.Fatalf("PullJKResult: %v", err)
	}
	if cur, ok := f.Problem(); !ok || cur != p {
		t.Fatalf("returned problem %+v, current %+v", p, cur)
	}
	if vk != nil || len(vj) != jk.NSet*jk.NAO*jk.NAO {
		t.Fatalf("unexpected outputs: %d vj, vk nil = %v", len(vj), vk == nil)
	}
	assertClose(t, "vj", vj, wantJ)
}

func TestRepeatedBlockDoesNotGrowMemory(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	jk := scenario.NewJK(6, 4, 1, 1, 3, 5, false)
	ctx := context.Background()
	if err := f.InitJK(ctx, problemOf(jk, true), jk.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	blk := Block{Origin: 3, Index: 0, NAux: 4, Data: jk.Blocks[0]}
	if err := f.GetJK(ctx, blk); err != nil {
		t.Fatalf("GetJK: %v", err)
	}
	before := f.Stats().Devices[0]
	for i := 0; i < 4; i++ {
		if err := f.GetJK(ctx, blk); err != nil {
			t.Fatalf("GetJK: %v", err)
		}
	}
	after := f.Stats().Devices[0]
	if after.Used != before.Used || after.Cache.Bytes != before.Cache.Bytes || after.Cache.Entries != 1 {
		t.Fatalf("repeated block grew memory: before %+v after %+v", before, after)
	}
	if st := f.OriginStatus(3); st.Uses != 4 || st.Updates != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestInvalidateOriginForcesOneTransfer(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	jk := scenario.NewJK(7, 5, 2, 3, 21, 8, true)
	runCycle(t, f, jk, true)

	// New integrals for the same origin.
	fresh := scenario.NewJK(7, 5, 2, 3, 21, 9, true)
	fresh.DMs = jk.DMs
	if n := f.InvalidateOrigin(21); n != 3 {
		t.Fatalf("InvalidateOrigin = %d, want 3", n)
	}
	if st := f.OriginStatus(21); st.Valid != 0 {
		t.Fatalf("entries still valid after invalidation: %+v", st)
	}
	wantJ, wantK := fresh.Reference(ref, true)
	vj, vk := runCycle(t, f, fresh, true)
	assertClose(t, "vj", vj, wantJ)
	assertClose(t, "vk", vk, wantK)
	vj, vk = runCycle(t, f, fresh, true)
	assertClose(t, "vj second", vj, wantJ)
	assertClose(t, "vk second", vk, wantK)

	st := f.OriginStatus(21)
	if st.Updates != 6 || st.Uses != 3 || st.Valid != 3 {
		t.Fatalf("expected one re-transfer per block: %+v", st)
	}
}

func TestDisableCacheKeepsEntries(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	jk := scenario.NewJK(5, 3, 1, 2, 4, 12, false)
	wantJ, wantK := jk.Reference(ref, true)
	runCycle(t, f, jk, true)

	f.DisableCache()
	if f.CacheEnabled() {
		t.Fatalf("cache still enabled")
	}
	vj, vk := runCycle(t, f, jk, true)
	assertClose(t, "disabled vj", vj, wantJ)
	assertClose(t, "disabled vk", vk, wantK)
	st := f.OriginStatus(4)
	if st.Blocks != 2 || st.Valid != 2 || st.Uses != 0 {
		t.Fatalf("disable must not drop or hit entries: %+v", st)
	}

	f.EnableCache()
	runCycle(t, f, jk, true)
	if st := f.OriginStatus(4); st.Uses != 2 {
		t.Fatalf("re-enabled cache must hit: %+v", st)
	}
}

func TestBufferCapacitiesNeverShrink(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	ctx := context.Background()
	big := scenario.NewJK(9, 6, 2, 1, 1, 1, false)
	small := scenario.NewJK(4, 2, 1, 1, 2, 1, false)

	if err := f.InitJK(ctx, problemOf(big, true), big.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	caps := f.Stats().Devices[0].Buffers
	grows := f.Stats().Devices[0].PoolGrows
	if err := f.InitJK(ctx, problemOf(big, true), big.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	if g := f.Stats().Devices[0].PoolGrows; g != grows {
		t.Fatalf("identical InitJK reallocated: %d → %d grows", grows, g)
	}

	wantJ, wantK := small.Reference(ref, true)
	vj, vk := runCycle(t, f, small, true)
	assertClose(t, "small vj", vj, wantJ)
	assertClose(t, "small vk", vk, wantK)
	for name, n := range f.Stats().Devices[0].Buffers {
		if n < caps[name] {
			t.Fatalf("buffer %s shrank from %d to %d", name, caps[name], n)
		}
	}
}

func TestRoundRobinAcrossDevices(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, func(c *Config) { c.HostDevices = 3 })
	jk := scenario.NewJK(6, 4, 2, 5, 77, 31, true)
	wantJ, wantK := jk.Reference(ref, true)
	vj, vk := runCycle(t, f, jk, true)
	assertClose(t, "vj", vj, wantJ)
	assertClose(t, "vk", vk, wantK)

	st := f.OriginStatus(77)
	if st.Devices != 3 || st.Blocks != 5 {
		t.Fatalf("unexpected status %+v", st)
	}
	for i, d := range f.Stats().Devices {
		want := 2
		if i == 2 {
			want = 1
		}
		if d.Cache.Entries != want {
			t.Fatalf("device %d holds %d blocks, want %d", d.ID, d.Cache.Entries, want)
		}
	}
}

func TestJKWithoutExchange(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	jk := scenario.NewJK(5, 4, 2, 2, 1, 3, false)
	wantJ, _ := jk.Reference(ref, false)
	vj, _ := runCycle(t, f, jk, false)
	assertClose(t, "vj", vj, wantJ)
	if _, ok := f.Stats().Devices[0].Buffers["vk"]; ok {
		t.Fatalf("exchange buffers allocated without K")
	}
}

func TestJKArgumentErrors(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, nil)
	ctx := context.Background()
	if err := f.GetJK(ctx, Block{NAux: 1, Data: []float64{1}}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("GetJK before InitJK: got %v", err)
	}
	if err := f.InitJK(ctx, Problem{NAO: 3, NAux: 2, NSet: 1, NAOPair: 5}, make([]float64, 9)); !errors.Is(err, ErrDimension) {
		t.Fatalf("bad nao_pair: got %v", err)
	}
	if err := f.InitJK(ctx, Problem{NAO: 3, NAux: 2, NSet: 1}, make([]float64, 8)); !errors.Is(err, ErrDimension) {
		t.Fatalf("short dms: got %v", err)
	}
	if err := f.InitJK(ctx, Problem{NAO: 3, NAux: 2, NSet: 1, WithK: true}, make([]float64, 9)); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	err := f.GetJK(ctx, Block{NAux: 2, Data: make([]float64, 11)})
	var dimErr *DimError
	if !errors.As(err, &dimErr) || dimErr.Field != "data" || dimErr.Want != 12 {
		t.Fatalf("short block: got %v", err)
	}
	if err := f.GetJK(ctx, Block{NAux: 3, Data: make([]float64, 18)}); !errors.Is(err, ErrDimension) {
		t.Fatalf("naux above problem: got %v", err)
	}
	if err := f.PullJK(ctx, make([]float64, 9), nil); !errors.Is(err, ErrDimension) {
		t.Fatalf("missing vk: got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := f.GetJK(cancelled, Block{NAux: 2, Data: make([]float64, 12)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled context: got %v", err)
	}
}

func TestVerifyCacheDetectsChangedBlock(t *testing.T) {
	t.Parallel()
	f := newHostFacade(t, func(c *Config) { c.VerifyCache = true })
	jk := scenario.NewJK(4, 3, 1, 1, 6, 2, false)
	runCycle(t, f, jk, false)

	jk.Blocks[0][0] += 1
	ctx := context.Background()
	if err := f.InitJK(ctx, problemOf(jk, false), jk.DMs); err != nil {
		t.Fatalf("InitJK: %v", err)
	}
	err := f.GetJK(ctx, Block{Origin: 6, NAux: 3, Data: jk.Blocks[0]})
	if !errors.Is(err, eri.ErrCacheDesync) {
		t.Fatalf("got %v, want ErrCacheDesync", err)
	}
}

func TestCacheLimitEvicts(t *testing.T) {
	t.Parallel()
	jk := scenario.NewJK(5, 3, 1, 4, 8, 17, false)
	blockBytes := int64(len(jk.Blocks[0])) * 8
	f := newHostFacade(t, func(c *Config) { c.CacheLimitBytes = 2 * blockBytes })
	wantJ, wantK := jk.Reference(ref, true)
	vj, vk := runCycle(t, f, jk, true)
	assertClose(t, "vj", vj, wantJ)
	assertClose(t, "vk", vk, wantK)
	cs := f.Stats().Devices[0].Cache
	if cs.Entries != 2 || cs.Evictions != 2 || cs.Bytes > 2*blockBytes {
		t.Fatalf("unexpected cache stats %+v", cs)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Backend = device.Host
	f, err := New(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jk := scenario.NewJK(4, 2, 1, 2, 1, 1, false)
	runCycle(t, f, jk, true)
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := f.InitJK(context.Background(), problemOf(jk, true), jk.DMs); !errors.Is(err, ErrClosed) {
		t.Fatalf("InitJK after Close: got %v", err)
	}
	if st := f.OriginStatus(1); st.Blocks != 0 {
		t.Fatalf("entries survive Close: %+v", st)
	}
	if _, err := f.AO2MOPass1(context.Background(), AO2MORequest{NAux: 1, NAO: 1, NMO: 1, Eri: []float64{1}, MO: []float64{1}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AO2MOPass1 after Close: got %v", err)
	}
}
