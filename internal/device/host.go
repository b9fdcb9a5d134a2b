package device

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/samcharles93/scfdev/internal/linalg"
	"golang.org/x/sys/cpu"
)

const fallbackMemory = 8 << 30

// HostOptions configures the host backend. Each host device is an
// independent stream over system memory.
type HostOptions struct {
	// Devices is the number of host devices exposed. Zero means one.
	Devices int
	// MemoryLimit caps allocation per device in bytes. Zero uses total
	// system memory.
	MemoryLimit uint64
	Blas        linalg.Impl
	StreamDepth int
}

type HostBackend struct {
	opts     HostOptions
	total    uint64
	features []string
}

func NewHost(opts HostOptions) *HostBackend {
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	if opts.Blas == nil {
		opts.Blas = linalg.GonumImpl{}
	}
	total := opts.MemoryLimit
	if total == 0 {
		total = systemMemory()
	}
	return &HostBackend{opts: opts, total: total, features: cpuFeatures()}
}

func (b *HostBackend) Name() string { return Host }

func (b *HostBackend) Count() int { return b.opts.Devices }

func (b *HostBackend) Info(id int) (Info, error) {
	if id < 0 || id >= b.opts.Devices {
		return Info{}, fmt.Errorf("host device %d out of range [0,%d)", id, b.opts.Devices)
	}
	return Info{
		ID:          id,
		Name:        fmt.Sprintf("host/%s-%s", runtime.GOOS, runtime.GOARCH),
		Backend:     Host,
		TotalMemory: b.total,
		Multiproc:   runtime.NumCPU(),
		Features:    b.features,
		BlasLibrary: b.opts.Blas.Name(),
	}, nil
}

func (b *HostBackend) Open(id int) (Device, error) {
	info, err := b.Info(id)
	if err != nil {
		return nil, err
	}
	return &hostDevice{
		info:   info,
		blas:   b.opts.Blas,
		stream: NewStream(b.opts.StreamDepth),
		limit:  int64(b.total / 8),
	}, nil
}

type hostBuffer struct {
	owner *hostDevice
	data  []float64
}

func (h *hostBuffer) Len() int { return len(h.data) }

type hostDevice struct {
	info   Info
	blas   linalg.Impl
	stream *Stream

	mu     sync.Mutex
	limit  int64
	used   int64
	closed bool
}

func (d *hostDevice) Info() Info { return d.info }

func (d *hostDevice) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *hostDevice) Alloc(n int) (Buffer, error) {
	if n <= 0 {
		return nil, newError(KindArgument, d.info.ID, "alloc", fmt.Errorf("size %d must be > 0", n))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, newError(KindDevice, d.info.ID, "alloc", ErrClosed)
	}
	if d.used+int64(n) > d.limit {
		return nil, newError(KindMemory, d.info.ID, "alloc",
			fmt.Errorf("%w: %d elements requested, %d of %d in use", ErrOutOfMemory, n, d.used, d.limit))
	}
	d.used += int64(n)
	return &hostBuffer{owner: d, data: make([]float64, n)}, nil
}

func (d *hostDevice) Free(b Buffer) error {
	hb, err := d.own("free", b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if hb.data == nil {
		return nil
	}
	d.used -= int64(len(hb.data))
	// Queued work holds its own slice header, so dropping ours is safe.
	hb.data = nil
	return nil
}

func (d *hostDevice) own(op string, b Buffer) (*hostBuffer, error) {
	hb, ok := b.(*hostBuffer)
	if !ok || hb.owner != d {
		return nil, newError(KindArgument, d.info.ID, op, ErrForeignBuffer)
	}
	return hb, nil
}

func (d *hostDevice) span(op string, b Buffer, off, n int) ([]float64, error) {
	hb, err := d.own(op, b)
	if err != nil {
		return nil, err
	}
	if off < 0 || n < 0 || off+n > len(hb.data) {
		return nil, newError(KindArgument, d.info.ID, op,
			fmt.Errorf("%w: [%d,%d) of %d", ErrBounds, off, off+n, len(hb.data)))
	}
	return hb.data[off : off+n], nil
}

// tail returns the buffer from off to its end.
func (d *hostDevice) tail(op string, b Buffer, off int) ([]float64, error) {
	hb, err := d.own(op, b)
	if err != nil {
		return nil, err
	}
	return d.span(op, b, off, len(hb.data)-off)
}

func (d *hostDevice) Upload(dst Buffer, off int, src []float64) error {
	view, err := d.span("upload", dst, off, len(src))
	if err != nil {
		return err
	}
	staged := append([]float64(nil), src...)
	return d.submit("upload", func() { copy(view, staged) })
}

func (d *hostDevice) Download(dst []float64, src Buffer, off int) error {
	view, err := d.span("download", src, off, len(dst))
	if err != nil {
		return err
	}
	return d.submit("download", func() { copy(dst, view) })
}

func (d *hostDevice) Zero(b Buffer, n int) error {
	view, err := d.span("zero", b, 0, n)
	if err != nil {
		return err
	}
	return d.submit("zero", func() { clear(view) })
}

func (d *hostDevice) Gemm(op Gemm) error {
	a, err := d.tail("gemm", op.A, op.AOff)
	if err != nil {
		return err
	}
	b, err := d.tail("gemm", op.B, op.BOff)
	if err != nil {
		return err
	}
	c, err := d.tail("gemm", op.C, op.COff)
	if err != nil {
		return err
	}
	return d.submit("gemm", func() {
		d.blas.Dgemm(op.TransA, op.TransB, op.M, op.N, op.K, op.Alpha, a, op.LDA, b, op.LDB, op.Beta, c, op.LDC)
	})
}

func (d *hostDevice) Symm(op Symm) error {
	a, err := d.tail("symm", op.A, op.AOff)
	if err != nil {
		return err
	}
	b, err := d.tail("symm", op.B, op.BOff)
	if err != nil {
		return err
	}
	c, err := d.tail("symm", op.C, op.COff)
	if err != nil {
		return err
	}
	return d.submit("symm", func() {
		d.blas.Dsymm(op.Side, op.Uplo, op.M, op.N, op.Alpha, a, op.LDA, b, op.LDB, op.Beta, c, op.LDC)
	})
}

func (d *hostDevice) Launch(name string, k Kernel, bufs ...Buffer) error {
	views := make([][]float64, len(bufs))
	for i, b := range bufs {
		hb, err := d.own(name, b)
		if err != nil {
			return err
		}
		views[i] = hb.data
	}
	return d.submit(name, func() { k(views) })
}

func (d *hostDevice) submit(op string, fn func()) error {
	if err := d.stream.Submit(op, fn); err != nil {
		return newError(KindDevice, d.info.ID, op, err)
	}
	return nil
}

func (d *hostDevice) Synchronize() error {
	if err := d.stream.Synchronize(); err != nil {
		return newError(KindExecution, d.info.ID, "synchronize", err)
	}
	return nil
}

func (d *hostDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if err := d.stream.Close(); err != nil {
		return newError(KindExecution, d.info.ID, "close", err)
	}
	return nil
}

func cpuFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}
