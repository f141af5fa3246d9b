//go:build cuda

package native

/*
#cgo LDFLAGS: -lcublas

typedef void* cudaStream_t;
typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasSetStream_v2(cublasHandle_t handle, cudaStream_t stream);
extern cublasStatus_t cublasGemmEx(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k,
	const void* alpha, const void* A, int Atype, int lda,
	const void* B, int Btype, int ldb,
	const void* beta, void* C, int Ctype, int ldc,
	int computeType, int algo);
extern cublasStatus_t cublasAxpyEx(cublasHandle_t handle, int n,
	const void* alpha, int alphaType,
	const void* x, int xType, int incx,
	void* y, int yType, int incy,
	int executionType);
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// BlasHandle is a cuBLAS context bound to one stream.
type BlasHandle struct {
	ptr C.cublasHandle_t
}

// BlasDataType mirrors cudaDataType_t.
type BlasDataType int

const (
	BlasF32  BlasDataType = 0  // CUDA_R_32F
	BlasF16  BlasDataType = 2  // CUDA_R_16F
	BlasBF16 BlasDataType = 14 // CUDA_R_16BF
)

type BlasComputeType int

const BlasComputeF32 BlasComputeType = 68 // CUBLAS_COMPUTE_32F

type BlasOp int

const BlasOpN BlasOp = 0

type BlasGemmAlgo int

const BlasGemmDefault BlasGemmAlgo = -1

func NewBlasHandle(s Stream) (BlasHandle, error) {
	var h C.cublasHandle_t
	if err := blasCheck(C.cublasCreate_v2(&h)); err != nil {
		return BlasHandle{}, err
	}
	if err := blasCheck(C.cublasSetStream_v2(h, C.cudaStream_t(s.ptr))); err != nil {
		_ = C.cublasDestroy_v2(h)
		return BlasHandle{}, err
	}
	return BlasHandle{ptr: h}, nil
}

func (h BlasHandle) Destroy() error {
	if h.ptr == nil {
		return nil
	}
	return blasCheck(C.cublasDestroy_v2(h.ptr))
}

// GemmEx computes c = alpha*op(a)*op(b) + beta*c on column-major operands.
func GemmEx(h BlasHandle, transA, transB BlasOp, m, n, k int, alpha float32, a DeviceBuffer, aType BlasDataType, lda int, b DeviceBuffer, bType BlasDataType, ldb int, beta float32, c DeviceBuffer, cType BlasDataType, ldc int, compute BlasComputeType, algo BlasGemmAlgo) error {
	return blasCheck(C.cublasGemmEx(h.ptr, C.int(transA), C.int(transB),
		C.int(m), C.int(n), C.int(k),
		unsafe.Pointer(&alpha), a.ptr, C.int(aType), C.int(lda),
		b.ptr, C.int(bType), C.int(ldb),
		unsafe.Pointer(&beta), c.ptr, C.int(cType), C.int(ldc),
		C.int(compute), C.int(algo)))
}

// AxpyEx computes y = alpha*x + y over n contiguous elements. alpha is
// passed as float32 and exec selects the arithmetic type.
func AxpyEx(h BlasHandle, n int, alpha float32, x DeviceBuffer, xType BlasDataType, y DeviceBuffer, yType BlasDataType, exec BlasDataType) error {
	return blasCheck(C.cublasAxpyEx(h.ptr, C.int(n),
		unsafe.Pointer(&alpha), C.int(BlasF32),
		x.ptr, C.int(xType), 1,
		y.ptr, C.int(yType), 1,
		C.int(exec)))
}

func blasCheck(code C.cublasStatus_t) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cublas status %d", int(code))
}
