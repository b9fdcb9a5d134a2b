// Package device defines the accelerator abstraction the offload facade runs
// on. A Device owns one ordered work queue (stream) and one BLAS context;
// every queued call returns immediately and executes in issue order.
// Failures of queued work surface from the next Synchronize.
package device

import (
	"fmt"
	"strings"
)

const (
	Host = "host"
	CUDA = "cuda"
	Auto = "auto"
)

// Normalize canonicalizes a backend name. Empty selects auto.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Host, CUDA, Auto:
		return backend, nil
	case "cpu":
		return Host, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or cuda)", backend)
	}
}

// Info describes one device.
type Info struct {
	ID            int      `json:"id" msgpack:"id"`
	Name          string   `json:"name" msgpack:"name"`
	Backend       string   `json:"backend" msgpack:"backend"`
	TotalMemory   uint64   `json:"total_memory" msgpack:"total_memory"`
	Multiproc     int      `json:"multiprocessors" msgpack:"multiprocessors"`
	ComputeMajor  int      `json:"compute_major,omitempty" msgpack:"compute_major,omitempty"`
	ComputeMinor  int      `json:"compute_minor,omitempty" msgpack:"compute_minor,omitempty"`
	Features      []string `json:"features,omitempty" msgpack:"features,omitempty"`
	BlasLibrary   string   `json:"blas" msgpack:"blas"`
	StagedKernels bool     `json:"staged_kernels" msgpack:"staged_kernels"`
}

// Buffer is a device allocation of float64 elements.
type Buffer interface {
	Len() int
}

// Kernel runs against host views of its buffers, in launch order.
type Kernel func(views [][]float64)

// Gemm is a column-major C = alpha*op(A)*op(B) + beta*C on device buffers.
// Offsets are element offsets into each buffer.
type Gemm struct {
	TransA, TransB byte
	M, N, K        int
	Alpha          float64
	A              Buffer
	AOff, LDA      int
	B              Buffer
	BOff, LDB      int
	Beta           float64
	C              Buffer
	COff, LDC      int
}

// Symm is a column-major symmetric multiply on device buffers.
type Symm struct {
	Side, Uplo byte
	M, N       int
	Alpha      float64
	A          Buffer
	AOff, LDA  int
	B          Buffer
	BOff, LDB  int
	Beta       float64
	C          Buffer
	COff, LDC  int
}

// Device is one accelerator with a single ordered stream.
type Device interface {
	Info() Info
	// Alloc reserves n elements. It is synchronous.
	Alloc(n int) (Buffer, error)
	Free(b Buffer) error
	// Upload queues a host→device copy of src into dst at element offset off.
	// src is staged before Upload returns.
	Upload(dst Buffer, off int, src []float64) error
	// Download queues a device→host copy; dst is valid after Synchronize.
	Download(dst []float64, src Buffer, off int) error
	// Zero queues clearing the first n elements of b.
	Zero(b Buffer, n int) error
	Gemm(op Gemm) error
	Symm(op Symm) error
	// Launch queues a named kernel over the given buffers.
	Launch(name string, k Kernel, bufs ...Buffer) error
	// Synchronize waits for all queued work and reports the first failure.
	Synchronize() error
	// Used reports the elements currently allocated.
	Used() int64
	Close() error
}

// Backend enumerates and opens devices of one kind.
type Backend interface {
	Name() string
	Count() int
	Info(id int) (Info, error)
	Open(id int) (Device, error)
}
