//go:build cuda

package offload

import (
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/device/cuda"
)

const cudaBuilt = true

func newCUDA() (device.Backend, error) {
	return cuda.New()
}
