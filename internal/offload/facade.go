// Package offload is the device facade for SCF J/K offload. It owns one
// context per opened device (stream, scratch pool, ERI cache), the shared
// unpack-map table, and the J/K cycle state, and exposes the offloaded
// operations to the host program.
package offload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/pumap"
)

type Config struct {
	// Backend is auto, host, or cuda.
	Backend string
	// Devices lists device ids to open. Empty opens all.
	Devices []int
	// HostDevices is the number of devices the host backend exposes.
	HostDevices int
	// HostMemoryLimit caps each host device in bytes. Zero uses system memory.
	HostMemoryLimit uint64
	StreamDepth     int

	CacheEnabled    bool
	CacheLimitBytes int64
	CacheSlack      int
	VerifyCache     bool

	// Blas selects the host BLAS: gonum or system.
	Blas string
	// Tile is the AO2MO aux tile size in rows.
	Tile int
}

func DefaultConfig() Config {
	return Config{
		Backend:      device.Auto,
		CacheEnabled: true,
		CacheSlack:   eri.DefaultSlack,
		Blas:         linalg.Gonum,
		Tile:         kernels.BlockDim,
	}
}

// Problem fixes the J/K dimensions for a cycle.
type Problem struct {
	NAO  int `json:"nao" msgpack:"nao"`
	NAux int `json:"naux" msgpack:"naux"`
	NSet int `json:"nset" msgpack:"nset"`
	// NAOPair is derived from NAO and checked when non-zero.
	NAOPair   int  `json:"nao_pair,omitempty" msgpack:"nao_pair,omitempty"`
	BlockSize int  `json:"block_size,omitempty" msgpack:"block_size,omitempty"`
	WithK     bool `json:"with_k" msgpack:"with_k"`
}

// Block is one ERI block of NAux packed rows owned by Origin.
type Block struct {
	Origin eri.OriginID `json:"origin" msgpack:"origin"`
	Index  int          `json:"index" msgpack:"index"`
	NAux   int          `json:"naux" msgpack:"naux"`
	Data   []float64    `json:"data" msgpack:"data"`
}

type deviceContext struct {
	dev   device.Device
	pool  *Pool
	cache *eri.Cache
	log   logger.Logger
}

func (dc *deviceContext) id() int { return dc.dev.Info().ID }

// sync waits for the device stream. Cache copies queued since the last sync
// are confirmed on success and marked stale on failure.
func (dc *deviceContext) sync() error {
	if err := dc.dev.Synchronize(); err != nil {
		if n := dc.cache.Rollback(); n > 0 {
			dc.log.Warn("stream failed, eri blocks marked stale", "entries", n, "error", err)
		}
		return err
	}
	dc.cache.Settle()
	return nil
}

type Facade struct {
	mu sync.Mutex

	cfg      Config
	log      logger.Logger
	blas     linalg.Impl
	backend  device.Backend
	contexts []*deviceContext
	active   int
	pumaps   *pumap.Table

	cacheOn     bool
	problem     Problem
	initialized bool
	closed      bool

	blocks int64
	pulls  int64
}

// New opens the configured devices. It fails with ErrNoDevice when the
// backend has none and ErrInvalidDevice for an unknown id in cfg.Devices.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Facade, error) {
	if log == nil {
		log = logger.FromContext(ctx)
	}
	if cfg.Tile <= 0 {
		cfg.Tile = kernels.BlockDim
	}
	if cfg.CacheSlack == 0 {
		cfg.CacheSlack = eri.DefaultSlack
	}
	blas, err := linalg.Open(cfg.Blas)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(cfg, blas, log)
	if err != nil {
		return nil, err
	}
	if backend.Count() < 1 {
		return nil, ErrNoDevice
	}

	ids := cfg.Devices
	if len(ids) == 0 {
		ids = make([]int, backend.Count())
		for i := range ids {
			ids[i] = i
		}
	}
	f := &Facade{
		cfg:     cfg,
		log:     log.With("component", "offload", "backend", backend.Name()),
		blas:    blas,
		backend: backend,
		pumaps:  pumap.NewTable(),
		cacheOn: cfg.CacheEnabled,
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 || id >= backend.Count() || seen[id] {
			_ = f.closeContexts()
			return nil, fmt.Errorf("%w: %d (backend %s has %d)", ErrInvalidDevice, id, backend.Name(), backend.Count())
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			_ = f.closeContexts()
			return nil, err
		}
		dev, err := backend.Open(id)
		if err != nil {
			_ = f.closeContexts()
			return nil, fmt.Errorf("open device %d: %w", id, err)
		}
		dlog := f.log.With("device", id)
		cache := eri.New(dev, id, eri.Config{
			LimitBytes: cfg.CacheLimitBytes,
			Slack:      cfg.CacheSlack,
			Verify:     cfg.VerifyCache,
		}, dlog)
		cache.SetEnabled(cfg.CacheEnabled)
		f.contexts = append(f.contexts, &deviceContext{dev: dev, pool: NewPool(dev, dlog), cache: cache, log: dlog})
		info := dev.Info()
		dlog.Info("device opened", "name", info.Name, "memory", info.TotalMemory, "blas", info.BlasLibrary)
	}
	return f, nil
}

func (f *Facade) guard() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

// DeviceCount reports the devices the backend can see, opened or not.
func (f *Facade) DeviceCount() int {
	return f.backend.Count()
}

func (f *Facade) Properties(id int) (device.Info, error) {
	if id < 0 || id >= f.backend.Count() {
		return device.Info{}, fmt.Errorf("%w: %d", ErrInvalidDevice, id)
	}
	return f.backend.Info(id)
}

// Devices lists the opened devices in round-robin order.
func (f *Facade) Devices() []device.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]device.Info, len(f.contexts))
	for i, dc := range f.contexts {
		out[i] = dc.dev.Info()
	}
	return out
}

// SetDevice selects the opened device used by single-device operations.
func (f *Facade) SetDevice(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	if len(f.contexts) == 0 {
		return ErrNoDevice
	}
	for i, dc := range f.contexts {
		if dc.id() == id {
			f.active = i
			f.log.Debug("active device set", "device", id)
			return nil
		}
	}
	return fmt.Errorf("%w: %d is not open", ErrInvalidDevice, id)
}

// ActiveDevice returns the id selected by SetDevice.
func (f *Facade) ActiveDevice() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.contexts) == 0 {
		return -1
	}
	return f.contexts[f.active].id()
}

func (f *Facade) current() (*deviceContext, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	if len(f.contexts) == 0 {
		return nil, ErrNoDevice
	}
	return f.contexts[f.active], nil
}

// Problem returns the dimensions of the current J/K cycle.
func (f *Facade) Problem() (Problem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.problem, f.initialized
}

func (p *Problem) validate() error {
	const op = "init_jk"
	if err := checkPositive(op, "nao", p.NAO); err != nil {
		return err
	}
	if err := checkPositive(op, "naux", p.NAux); err != nil {
		return err
	}
	if err := checkPositive(op, "nset", p.NSet); err != nil {
		return err
	}
	npair := kernels.NPair(p.NAO)
	if p.NAOPair != 0 && p.NAOPair != npair {
		return dimError(op, "nao_pair", p.NAOPair, npair)
	}
	p.NAOPair = npair
	if p.BlockSize < 0 {
		return dimError(op, "block_size", p.BlockSize, 0)
	}
	return nil
}

// jkBuffers sizes the per-cycle J/K buffers for p.
func jkBuffers(p Problem) map[string]int {
	nn := p.NAO * p.NAO
	sizes := map[string]int{
		"dms":    p.NSet * nn,
		"dmtril": p.NSet * p.NAOPair,
		"rho":    p.NSet * p.NAux,
		"vj":     p.NSet * p.NAOPair,
		"eri1":   p.NAux * p.NAOPair,
	}
	if p.WithK {
		sizes["vk"] = p.NSet * nn
		sizes["buf1"] = p.NAux * nn
		sizes["buf2"] = p.NAux * nn
	}
	return sizes
}

// InitJK starts a J/K cycle: buffers grow as needed on every opened device,
// the density matrices are uploaded and the accumulators cleared.
func (f *Facade) InitJK(ctx context.Context, p Problem, dms []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	if len(f.contexts) == 0 {
		return ErrNoDevice
	}
	if err := p.validate(); err != nil {
		return err
	}
	nn := p.NAO * p.NAO
	if err := checkLen("init_jk", "dms", dms, p.NSet*nn); err != nil {
		return err
	}

	dmtril := make([]float64, p.NSet*p.NAOPair)
	kernels.DMTril(p.NSet, p.NAO, dms, dmtril)
	dmT := make([]float64, p.NSet*nn)
	kernels.Transpose(p.NSet, p.NAO, dms, dmT)

	sizes := jkBuffers(p)
	f.initialized = false
	for _, dc := range f.contexts {
		for _, name := range []string{"dms", "dmtril", "rho", "vj", "eri1", "vk", "buf1", "buf2"} {
			n, ok := sizes[name]
			if !ok {
				continue
			}
			if _, _, err := dc.pool.Ensure(name, n); err != nil {
				return fmt.Errorf("device %d: %w", dc.id(), err)
			}
		}
		if err := f.uploadJK(dc, p, dmT, dmtril); err != nil {
			return fmt.Errorf("device %d: %w", dc.id(), err)
		}
	}
	if p.WithK {
		f.pumaps.Fetch(pumap.Unpack2D, p.NAO)
	}
	f.problem = p
	f.initialized = true
	f.log.Debug("jk initialized", "nao", p.NAO, "naux", p.NAux, "nset", p.NSet, "with_k", p.WithK)
	return nil
}

func (f *Facade) uploadJK(dc *deviceContext, p Problem, dmT, dmtril []float64) error {
	get := dc.pool.Get
	if err := dc.dev.Upload(get("dms"), 0, dmT); err != nil {
		return err
	}
	if err := dc.dev.Upload(get("dmtril"), 0, dmtril); err != nil {
		return err
	}
	if err := dc.dev.Zero(get("vj"), p.NSet*p.NAOPair); err != nil {
		return err
	}
	if p.WithK {
		return dc.dev.Zero(get("vk"), p.NSet*p.NAO*p.NAO)
	}
	return nil
}

// stage returns a device buffer holding host rows×cols, going through the
// device's ERI cache when cached is set and the cache admits it.
func (f *Facade) stage(dc *deviceContext, key eri.Key, cached bool, rows, cols int, host []float64) (device.Buffer, error) {
	if cached {
		lease, err := dc.cache.Acquire(key, rows, cols, host)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", dc.id(), err)
		}
		if !lease.Bypass {
			if lease.Transfer {
				if err := dc.dev.Upload(lease.Buf, 0, host); err != nil {
					return nil, err
				}
				dc.cache.Commit(lease)
				dc.log.Debug("eri block transferred", "key", key.String())
			}
			return lease.Buf, nil
		}
	}
	scratch, _, err := dc.pool.Ensure("eri1", rows*cols)
	if err != nil {
		return nil, err
	}
	if err := dc.dev.Upload(scratch, 0, host); err != nil {
		return nil, err
	}
	return scratch, nil
}

// GetJK queues the J (and K) contribution of one block on device
// Index mod the number of opened devices.
func (f *Facade) GetJK(ctx context.Context, b Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	if !f.initialized {
		return ErrNotInitialized
	}
	p := f.problem
	const op = "get_jk"
	if b.Index < 0 {
		return dimError(op, "index", b.Index, 0)
	}
	if b.NAux < 1 || b.NAux > p.NAux {
		return dimError(op, "naux", b.NAux, p.NAux)
	}
	if err := checkLen(op, "data", b.Data, b.NAux*p.NAOPair); err != nil {
		return err
	}

	dc := f.contexts[b.Index%len(f.contexts)]
	eriBuf, err := f.stage(dc, eri.Key{Origin: b.Origin, Block: b.Index}, true, b.NAux, p.NAOPair, b.Data)
	if err != nil {
		return err
	}
	if err := f.queueJK(dc, p, b.NAux, eriBuf); err != nil {
		return fmt.Errorf("device %d: %w", dc.id(), err)
	}
	f.blocks++
	return nil
}

func (f *Facade) queueJK(dc *deviceContext, p Problem, naux int, eriBuf device.Buffer) error {
	get := dc.pool.Get
	npair, nao, nset := p.NAOPair, p.NAO, p.NSet
	rho, vj := get("rho"), get("vj")
	if err := dc.dev.Gemm(device.Gemm{
		TransA: 'T', TransB: 'N', M: naux, N: nset, K: npair, Alpha: 1,
		A: eriBuf, LDA: npair, B: get("dmtril"), LDB: npair, C: rho, LDC: naux,
	}); err != nil {
		return err
	}
	if err := dc.dev.Gemm(device.Gemm{
		TransA: 'N', TransB: 'N', M: npair, N: nset, K: naux, Alpha: 1,
		A: eriBuf, LDA: npair, B: rho, LDB: naux, Beta: 1, C: vj, LDC: npair,
	}); err != nil {
		return err
	}
	if !p.WithK {
		return nil
	}

	nn := nao * nao
	buf1, buf2, dms, vk := get("buf1"), get("buf2"), get("dms"), get("vk")
	idx := f.pumaps.Fetch(pumap.Unpack2D, nao).Map
	err := dc.dev.Launch("unpack2d", func(v [][]float64) {
		kernels.UnpackMapped(naux, npair, idx, v[0], v[1])
	}, eriBuf, buf2)
	if err != nil {
		return err
	}
	for k := 0; k < nset; k++ {
		for q := 0; q < naux; q++ {
			if err := dc.dev.Symm(device.Symm{
				Side: 'L', Uplo: 'U', M: nao, N: nao, Alpha: 1,
				A: buf2, AOff: q * nn, LDA: nao,
				B: dms, BOff: k * nn, LDB: nao,
				C: buf1, COff: q * nn, LDC: nao,
			}); err != nil {
				return err
			}
		}
		if err := dc.dev.Gemm(device.Gemm{
			TransA: 'N', TransB: 'T', M: nao, N: nao, K: naux * nao, Alpha: 1,
			A: buf2, LDA: nao, B: buf1, LDB: nao, Beta: 1,
			C: vk, COff: k * nn, LDC: nao,
		}); err != nil {
			return err
		}
	}
	return nil
}

// PullJK waits for every device, sums the partial results and writes dense
// J into vj and K into vk (both nset×nao×nao). vk may be nil when the cycle
// was initialized without K.
func (f *Facade) PullJK(ctx context.Context, vj, vk []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	if !f.initialized {
		return ErrNotInitialized
	}
	return f.pullLocked(vj, vk)
}

// PullJKResult is PullJK with outputs allocated for the cycle in progress.
// The dimensions are read under the same lock as the pull, so a concurrent
// InitJK cannot change them in between. vk is nil without K.
func (f *Facade) PullJKResult(ctx context.Context) (Problem, []float64, []float64, error) {
	if err := ctx.Err(); err != nil {
		return Problem{}, nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return Problem{}, nil, nil, err
	}
	if !f.initialized {
		return Problem{}, nil, nil, ErrNotInitialized
	}
	p := f.problem
	n := p.NSet * p.NAO * p.NAO
	vj := make([]float64, n)
	var vk []float64
	if p.WithK {
		vk = make([]float64, n)
	}
	if err := f.pullLocked(vj, vk); err != nil {
		return Problem{}, nil, nil, err
	}
	return p, vj, vk, nil
}

// pullLocked does the work of PullJK. Caller holds f.mu.
func (f *Facade) pullLocked(vj, vk []float64) error {
	p := f.problem
	nn := p.NAO * p.NAO
	if err := checkLen("pull_jk", "vj", vj, p.NSet*nn); err != nil {
		return err
	}
	if p.WithK {
		if err := checkLen("pull_jk", "vk", vk, p.NSet*nn); err != nil {
			return err
		}
	}

	partJ := make([][]float64, len(f.contexts))
	partK := make([][]float64, len(f.contexts))
	var g errgroup.Group
	for i, dc := range f.contexts {
		g.Go(func() error {
			partJ[i] = make([]float64, p.NSet*p.NAOPair)
			if err := dc.dev.Download(partJ[i], dc.pool.Get("vj"), 0); err != nil {
				return fmt.Errorf("device %d: %w", dc.id(), err)
			}
			if p.WithK {
				partK[i] = make([]float64, p.NSet*nn)
				if err := dc.dev.Download(partK[i], dc.pool.Get("vk"), 0); err != nil {
					return fmt.Errorf("device %d: %w", dc.id(), err)
				}
			}
			if err := dc.sync(); err != nil {
				return fmt.Errorf("device %d: %w", dc.id(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sumJ := partJ[0]
	for _, part := range partJ[1:] {
		for i, v := range part {
			sumJ[i] += v
		}
	}
	kernels.FinishJ(p.NSet, p.NAO, sumJ, vj)
	if p.WithK {
		copy(vk, partK[0])
		for _, part := range partK[1:] {
			for i, v := range part {
				vk[i] += v
			}
		}
	}
	f.pulls++
	return nil
}

// InvalidateOrigin marks every block of origin stale on every device and
// returns how many entries were marked.
func (f *Facade) InvalidateOrigin(origin eri.OriginID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, dc := range f.contexts {
		total += dc.cache.Invalidate(origin)
	}
	f.log.Debug("origin invalidated", "origin", uint64(origin), "entries", total)
	return total
}

func (f *Facade) OriginStatus(origin eri.OriginID) eri.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := eri.Status{Origin: origin}
	for _, dc := range f.contexts {
		st.Merge(dc.cache.Status(origin))
	}
	return st
}

func (f *Facade) DisableCache() { f.setCache(false) }

func (f *Facade) EnableCache() { f.setCache(true) }

func (f *Facade) setCache(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheOn = on
	for _, dc := range f.contexts {
		dc.cache.SetEnabled(on)
	}
	f.log.Debug("eri cache toggled", "enabled", on)
}

func (f *Facade) CacheEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheOn
}

type DeviceStats struct {
	ID        int            `json:"id" msgpack:"id"`
	Used      int64          `json:"used_elements" msgpack:"used_elements"`
	PoolBytes int64          `json:"pool_bytes" msgpack:"pool_bytes"`
	PoolGrows int            `json:"pool_grows" msgpack:"pool_grows"`
	Buffers   map[string]int `json:"buffers" msgpack:"buffers"`
	Cache     eri.Stats      `json:"cache" msgpack:"cache"`
}

type Stats struct {
	Backend      string        `json:"backend" msgpack:"backend"`
	CacheEnabled bool          `json:"cache_enabled" msgpack:"cache_enabled"`
	Blocks       int64         `json:"blocks" msgpack:"blocks"`
	Pulls        int64         `json:"pulls" msgpack:"pulls"`
	UnpackMaps   int           `json:"unpack_maps" msgpack:"unpack_maps"`
	UnpackBytes  int64         `json:"unpack_bytes" msgpack:"unpack_bytes"`
	Devices      []DeviceStats `json:"devices" msgpack:"devices"`
}

func (f *Facade) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Stats{
		Backend:      f.backend.Name(),
		CacheEnabled: f.cacheOn,
		Blocks:       f.blocks,
		Pulls:        f.pulls,
		UnpackMaps:   f.pumaps.Len(),
		UnpackBytes:  f.pumaps.Bytes(),
	}
	for _, dc := range f.contexts {
		st.Devices = append(st.Devices, DeviceStats{
			ID:        dc.id(),
			Used:      dc.dev.Used(),
			PoolBytes: dc.pool.Bytes(),
			PoolGrows: dc.pool.Grows(),
			Buffers:   dc.pool.Capacities(),
			Cache:     dc.cache.Stats(),
		})
	}
	return st
}

// Close releases every device resource. It is safe to call more than once.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.initialized = false
	return f.closeContexts()
}

func (f *Facade) closeContexts() error {
	var errs []error
	for _, dc := range slices.Backward(f.contexts) {
		id := dc.id()
		if err := dc.sync(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", id, err))
		}
		if err := dc.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %d cache: %w", id, err))
		}
		if err := dc.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %d pool: %w", id, err))
		}
		if err := dc.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", id, err))
		}
		dc.log.Info("device closed")
	}
	f.contexts = nil
	f.pumaps.Reset()
	return errors.Join(errs...)
}
