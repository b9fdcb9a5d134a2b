//go:build cuda

package native

/*
#cgo LDFLAGS: -lcudart -lcublas

// Forward declarations so the build needs the libraries but not the headers.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMemsetAsync(void* ptr, int value, unsigned long long size, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);

#define SCFDEV_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define SCFDEV_CUDA_MEMCPY_DEVICE_TO_HOST 2

typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasSetStream_v2(cublasHandle_t handle, cudaStream_t stream);
extern cublasStatus_t cublasDgemm_v2(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const double* alpha, const double* A, int lda,
	const double* B, int ldb, const double* beta, double* C, int ldc);
extern cublasStatus_t cublasDsymm_v2(cublasHandle_t handle, int side, int uplo,
	int m, int n, const double* alpha, const double* A, int lda,
	const double* B, int ldb, const double* beta, double* C, int ldc);

static const char* scfdevCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int scfdevCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int scfdevCudaSetDevice(int device) {
	return (int)cudaSetDevice(device);
}

static int scfdevCudaDeviceGetAttribute(int* value, int attr, int device) {
	return (int)cudaDeviceGetAttribute(value, attr, device);
}

static int scfdevCudaMemGetInfo(unsigned long long* free, unsigned long long* total) {
	return (int)cudaMemGetInfo(free, total);
}

static int scfdevCudaStreamCreate(cudaStream_t* out) {
	return (int)cudaStreamCreate(out);
}

static int scfdevCudaStreamDestroy(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int scfdevCudaStreamSynchronize(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int scfdevCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int scfdevCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int scfdevCudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, kind, stream);
}

static int scfdevCudaMemsetAsync(void* ptr, unsigned long long size, cudaStream_t stream) {
	return (int)cudaMemsetAsync(ptr, 0, size, stream);
}

static int scfdevCudaMallocHost(void** ptr, unsigned long long size) {
	return (int)cudaMallocHost(ptr, size);
}

static int scfdevCudaFreeHost(void* ptr) {
	return (int)cudaFreeHost(ptr);
}

static int scfdevCublasCreate(cublasHandle_t* out, cudaStream_t stream) {
	cublasStatus_t st = cublasCreate_v2(out);
	if (st != 0) {
		return (int)st;
	}
	st = cublasSetStream_v2(*out, stream);
	if (st != 0) {
		cublasDestroy_v2(*out);
	}
	return (int)st;
}

static int scfdevCublasDestroy(cublasHandle_t handle) {
	return (int)cublasDestroy_v2(handle);
}

static int scfdevCublasDgemm(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, double alpha, const double* A, int lda,
	const double* B, int ldb, double beta, double* C, int ldc) {
	return (int)cublasDgemm_v2(handle, transa, transb, m, n, k, &alpha, A, lda, B, ldb, &beta, C, ldc);
}

static int scfdevCublasDsymm(cublasHandle_t handle, int side, int uplo,
	int m, int n, double alpha, const double* A, int lda,
	const double* B, int ldb, double beta, double* C, int ldc) {
	return (int)cublasDsymm_v2(handle, side, uplo, m, n, &alpha, A, lda, B, ldb, &beta, C, ldc);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// cudaDeviceAttr values.
const (
	AttrMultiProcessorCount    = 16
	AttrComputeCapabilityMajor = 75
	AttrComputeCapabilityMinor = 76
)

type Stream struct {
	ptr C.cudaStream_t
}

type BlasHandle struct {
	ptr C.cublasHandle_t
}

type DeviceBuffer struct {
	ptr unsafe.Pointer
}

type HostBuffer struct {
	ptr unsafe.Pointer
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.scfdevCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetDevice binds the calling OS thread to a device.
func SetDevice(id int) error {
	return cudaErr(C.scfdevCudaSetDevice(C.int(id)))
}

func DeviceAttribute(attr, id int) (int, error) {
	var v C.int
	if err := cudaErr(C.scfdevCudaDeviceGetAttribute(&v, C.int(attr), C.int(id))); err != nil {
		return 0, err
	}
	return int(v), nil
}

// MemInfo reports free and total bytes of the current device.
func MemInfo() (free, total uint64, err error) {
	var f, t C.ulonglong
	if err := cudaErr(C.scfdevCudaMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.scfdevCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.scfdevCudaStreamDestroy(s.ptr))
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.scfdevCudaStreamSynchronize(s.ptr))
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.scfdevCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.scfdevCudaFree(b.ptr))
}

// At returns the buffer advanced by n float64 elements.
func (b DeviceBuffer) At(n int) DeviceBuffer {
	return DeviceBuffer{ptr: unsafe.Add(b.ptr, n*8)}
}

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.scfdevCudaMallocHost((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.scfdevCudaFreeHost(b.ptr))
}

func (b HostBuffer) Ptr() unsafe.Pointer {
	return b.ptr
}

// Float64s views the pinned allocation as n float64 values.
func (b HostBuffer) Float64s(n int) []float64 {
	return unsafe.Slice((*float64)(b.ptr), n)
}

func MemcpyH2DAsync(dst DeviceBuffer, src unsafe.Pointer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.scfdevCudaMemcpyAsync(dst.ptr, src, C.ulonglong(bytes), C.SCFDEV_CUDA_MEMCPY_HOST_TO_DEVICE, stream.ptr))
}

func MemcpyD2HAsync(dst unsafe.Pointer, src DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.scfdevCudaMemcpyAsync(dst, src.ptr, C.ulonglong(bytes), C.SCFDEV_CUDA_MEMCPY_DEVICE_TO_HOST, stream.ptr))
}

func MemsetZeroAsync(dst DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.scfdevCudaMemsetAsync(dst.ptr, C.ulonglong(bytes), stream.ptr))
}

func NewBlasHandle(stream Stream) (BlasHandle, error) {
	var handle C.cublasHandle_t
	if err := cublasErr(C.scfdevCublasCreate(&handle, stream.ptr)); err != nil {
		return BlasHandle{}, err
	}
	return BlasHandle{ptr: handle}, nil
}

func (h BlasHandle) Destroy() error {
	if h.ptr == nil {
		return nil
	}
	return cublasErr(C.scfdevCublasDestroy(h.ptr))
}

type BlasOp int

const (
	BlasOpN BlasOp = 0 // CUBLAS_OP_N
	BlasOpT BlasOp = 1 // CUBLAS_OP_T
)

type BlasSide int

const (
	BlasSideLeft  BlasSide = 0 // CUBLAS_SIDE_LEFT
	BlasSideRight BlasSide = 1 // CUBLAS_SIDE_RIGHT
)

type BlasFill int

const (
	BlasFillLower BlasFill = 0 // CUBLAS_FILL_MODE_LOWER
	BlasFillUpper BlasFill = 1 // CUBLAS_FILL_MODE_UPPER
)

func Dgemm(handle BlasHandle, transA, transB BlasOp, m, n, k int, alpha float64, a DeviceBuffer, lda int, b DeviceBuffer, ldb int, beta float64, c DeviceBuffer, ldc int) error {
	return cublasErr(C.scfdevCublasDgemm(
		handle.ptr,
		C.int(transA), C.int(transB),
		C.int(m), C.int(n), C.int(k),
		C.double(alpha),
		(*C.double)(a.ptr), C.int(lda),
		(*C.double)(b.ptr), C.int(ldb),
		C.double(beta),
		(*C.double)(c.ptr), C.int(ldc),
	))
}

func Dsymm(handle BlasHandle, side BlasSide, uplo BlasFill, m, n int, alpha float64, a DeviceBuffer, lda int, b DeviceBuffer, ldb int, beta float64, c DeviceBuffer, ldc int) error {
	return cublasErr(C.scfdevCublasDsymm(
		handle.ptr,
		C.int(side), C.int(uplo),
		C.int(m), C.int(n),
		C.double(alpha),
		(*C.double)(a.ptr), C.int(lda),
		(*C.double)(b.ptr), C.int(ldb),
		C.double(beta),
		(*C.double)(c.ptr), C.int(ldc),
	))
}

func cublasErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cublas error %d", int(code))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.scfdevCudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
