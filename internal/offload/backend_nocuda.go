//go:build !cuda

package offload

import (
	"fmt"

	"github.com/samcharles93/scfdev/internal/device"
)

const cudaBuilt = false

func newCUDA() (device.Backend, error) {
	return nil, fmt.Errorf("cuda backend is not available in this build: %w", device.ErrUnavailable)
}
