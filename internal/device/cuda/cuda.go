//go:build cuda

// Package cuda implements device.Device on the CUDA runtime and cuBLAS.
// BLAS calls run natively on the device stream; other kernels are staged
// through pinned host memory.
package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/device/cuda/native"
)

type Backend struct {
	count int
}

func New() (*Backend, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected: %w", device.ErrUnavailable)
	}
	return &Backend{count: count}, nil
}

func (b *Backend) Name() string { return device.CUDA }

func (b *Backend) Count() int { return b.count }

func (b *Backend) Info(id int) (device.Info, error) {
	if id < 0 || id >= b.count {
		return device.Info{}, fmt.Errorf("cuda device %d out of range [0,%d)", id, b.count)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := native.SetDevice(id); err != nil {
		return device.Info{}, err
	}
	info := device.Info{ID: id, Name: fmt.Sprintf("cuda:%d", id), Backend: device.CUDA, BlasLibrary: "cublas", StagedKernels: true}
	var err error
	if info.Multiproc, err = native.DeviceAttribute(native.AttrMultiProcessorCount, id); err != nil {
		return device.Info{}, err
	}
	if info.ComputeMajor, err = native.DeviceAttribute(native.AttrComputeCapabilityMajor, id); err != nil {
		return device.Info{}, err
	}
	if info.ComputeMinor, err = native.DeviceAttribute(native.AttrComputeCapabilityMinor, id); err != nil {
		return device.Info{}, err
	}
	if _, info.TotalMemory, err = native.MemInfo(); err != nil {
		return device.Info{}, err
	}
	return info, nil
}

func (b *Backend) Open(id int) (device.Device, error) {
	info, err := b.Info(id)
	if err != nil {
		return nil, err
	}
	d := &Device{info: info, queue: device.NewStream(0)}
	// The queue goroutine stays pinned to one OS thread bound to the device.
	err = d.queue.Do("init", func() error {
		runtime.LockOSThread()
		if err := native.SetDevice(id); err != nil {
			return err
		}
		var err error
		if d.stream, err = native.NewStream(); err != nil {
			return fmt.Errorf("cuda stream create failed: %w", err)
		}
		if d.blas, err = native.NewBlasHandle(d.stream); err != nil {
			_ = d.stream.Destroy()
			return fmt.Errorf("cublas init failed: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = d.queue.Close()
		return nil, err
	}
	return d, nil
}

type buffer struct {
	owner *Device
	ptr   native.DeviceBuffer
	n     int
}

func (b *buffer) Len() int { return b.n }

type pendingCopy struct {
	staging native.HostBuffer
	dst     []float64
}

type Device struct {
	info   device.Info
	queue  *device.Stream
	stream native.Stream
	blas   native.BlasHandle

	mu      sync.Mutex
	used    int64
	staging []native.HostBuffer
	copies  []pendingCopy
	closed  bool
}

func (d *Device) Info() device.Info { return d.info }

func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// call runs fn on the device thread and waits for it.
func (d *Device) call(op string, fn func() error) error {
	return d.queue.Do(op, fn)
}

// enqueue runs fn on the device thread without waiting; its error is
// reported by Synchronize.
func (d *Device) enqueue(op string, fn func() error) error {
	return d.queue.Submit(op, func() {
		if err := fn(); err != nil {
			panic(err)
		}
	})
}

func (d *Device) own(b device.Buffer) (*buffer, error) {
	cb, ok := b.(*buffer)
	if !ok || cb.owner != d {
		return nil, device.ErrForeignBuffer
	}
	return cb, nil
}

func (d *Device) Alloc(n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("alloc size %d must be > 0", n)
	}
	var ptr native.DeviceBuffer
	err := d.call("alloc", func() error {
		var err error
		ptr, err = native.AllocDevice(int64(n) * 8)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrOutOfMemory, err)
	}
	d.mu.Lock()
	d.used += int64(n)
	d.mu.Unlock()
	return &buffer{owner: d, ptr: ptr, n: n}, nil
}

func (d *Device) Free(b device.Buffer) error {
	cb, err := d.own(b)
	if err != nil {
		return err
	}
	if cb.n == 0 {
		return nil
	}
	n := cb.n
	cb.n = 0
	d.mu.Lock()
	d.used -= int64(n)
	d.mu.Unlock()
	// cudaFree waits for outstanding work on the buffer.
	return d.call("free", cb.ptr.Free)
}

func (d *Device) stage(n int) (native.HostBuffer, error) {
	host, err := native.AllocHostPinned(int64(n) * 8)
	if err != nil {
		return native.HostBuffer{}, err
	}
	d.mu.Lock()
	d.staging = append(d.staging, host)
	d.mu.Unlock()
	return host, nil
}

func bounds(cb *buffer, off, n int) error {
	if off < 0 || n < 0 || off+n > cb.n {
		return fmt.Errorf("%w: [%d,%d) of %d", device.ErrBounds, off, off+n, cb.n)
	}
	return nil
}

func (d *Device) Upload(dst device.Buffer, off int, src []float64) error {
	cb, err := d.own(dst)
	if err != nil {
		return err
	}
	if err := bounds(cb, off, len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	host, err := d.stage(len(src))
	if err != nil {
		return err
	}
	copy(host.Float64s(len(src)), src)
	return d.enqueue("upload", func() error {
		return native.MemcpyH2DAsync(cb.ptr.At(off), host.Ptr(), int64(len(src))*8, d.stream)
	})
}

func (d *Device) Download(dst []float64, src device.Buffer, off int) error {
	cb, err := d.own(src)
	if err != nil {
		return err
	}
	if err := bounds(cb, off, len(dst)); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	host, err := d.stage(len(dst))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.copies = append(d.copies, pendingCopy{staging: host, dst: dst})
	d.mu.Unlock()
	return d.enqueue("download", func() error {
		return native.MemcpyD2HAsync(host.Ptr(), cb.ptr.At(off), int64(len(dst))*8, d.stream)
	})
}

func (d *Device) Zero(b device.Buffer, n int) error {
	cb, err := d.own(b)
	if err != nil {
		return err
	}
	if err := bounds(cb, 0, n); err != nil {
		return err
	}
	return d.enqueue("zero", func() error {
		return native.MemsetZeroAsync(cb.ptr, int64(n)*8, d.stream)
	})
}

func blasOp(flag byte) native.BlasOp {
	if flag == 'T' || flag == 't' || flag == 'C' || flag == 'c' {
		return native.BlasOpT
	}
	return native.BlasOpN
}

func (d *Device) Gemm(op device.Gemm) error {
	a, err := d.own(op.A)
	if err != nil {
		return err
	}
	b, err := d.own(op.B)
	if err != nil {
		return err
	}
	c, err := d.own(op.C)
	if err != nil {
		return err
	}
	return d.enqueue("gemm", func() error {
		return native.Dgemm(d.blas, blasOp(op.TransA), blasOp(op.TransB), op.M, op.N, op.K,
			op.Alpha, a.ptr.At(op.AOff), op.LDA, b.ptr.At(op.BOff), op.LDB, op.Beta, c.ptr.At(op.COff), op.LDC)
	})
}

func (d *Device) Symm(op device.Symm) error {
	a, err := d.own(op.A)
	if err != nil {
		return err
	}
	b, err := d.own(op.B)
	if err != nil {
		return err
	}
	c, err := d.own(op.C)
	if err != nil {
		return err
	}
	side := native.BlasSideLeft
	if op.Side == 'R' || op.Side == 'r' {
		side = native.BlasSideRight
	}
	fill := native.BlasFillLower
	if op.Uplo == 'U' || op.Uplo == 'u' {
		fill = native.BlasFillUpper
	}
	return d.enqueue("symm", func() error {
		return native.Dsymm(d.blas, side, fill, op.M, op.N,
			op.Alpha, a.ptr.At(op.AOff), op.LDA, b.ptr.At(op.BOff), op.LDB, op.Beta, c.ptr.At(op.COff), op.LDC)
	})
}

// Launch stages every buffer to host memory, runs k there and copies the
// buffers back, all in stream order.
func (d *Device) Launch(name string, k device.Kernel, bufs ...device.Buffer) error {
	owned := make([]*buffer, len(bufs))
	for i, b := range bufs {
		cb, err := d.own(b)
		if err != nil {
			return err
		}
		owned[i] = cb
	}
	return d.enqueue(name, func() error {
		hosts := make([]native.HostBuffer, len(owned))
		defer func() {
			for _, h := range hosts {
				_ = h.Free()
			}
		}()
		views := make([][]float64, len(owned))
		for i, cb := range owned {
			h, err := native.AllocHostPinned(int64(cb.n) * 8)
			if err != nil {
				return err
			}
			hosts[i] = h
			views[i] = h.Float64s(cb.n)
			if err := native.MemcpyD2HAsync(unsafe.Pointer(&views[i][0]), cb.ptr, int64(cb.n)*8, d.stream); err != nil {
				return err
			}
		}
		if err := d.stream.Synchronize(); err != nil {
			return err
		}
		k(views)
		for i, cb := range owned {
			if err := native.MemcpyH2DAsync(cb.ptr, unsafe.Pointer(&views[i][0]), int64(cb.n)*8, d.stream); err != nil {
				return err
			}
		}
		return d.stream.Synchronize()
	})
}

func (d *Device) Synchronize() error {
	streamErr := d.queue.Do("synchronize", d.stream.Synchronize)
	syncErr := d.queue.Synchronize()
	if syncErr == nil {
		syncErr = streamErr
	}
	d.mu.Lock()
	copies := d.copies
	staging := d.staging
	d.copies, d.staging = nil, nil
	d.mu.Unlock()
	if syncErr == nil {
		for _, c := range copies {
			copy(c.dst, c.staging.Float64s(len(c.dst)))
		}
	}
	for _, h := range staging {
		_ = h.Free()
	}
	if syncErr != nil {
		return fmt.Errorf("cuda device %d: %w", d.info.ID, syncErr)
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.Synchronize()
	if e := d.call("destroy", func() error {
		var err error
		if e := d.blas.Destroy(); e != nil {
			err = e
		}
		if e := d.stream.Destroy(); e != nil && err == nil {
			err = e
		}
		return err
	}); e != nil && err == nil {
		err = e
	}
	if e := d.queue.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
