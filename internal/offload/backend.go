package offload

import (
	"fmt"
	"strings"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/logger"
)

// Available returns a comma-separated list of backends compiled in.
func Available() string {
	entries := []string{device.Host}
	if cudaBuilt {
		entries = append(entries, device.CUDA)
	}
	return strings.Join(entries, ",")
}

// OpenBackend resolves cfg.Backend. Auto prefers cuda and falls back to the
// host backend when no accelerator can be used, so it always yields at least
// one device. The fallback is logged at info level; callers that must not run
// on the host ask for cuda explicitly.
func OpenBackend(cfg Config, blas linalg.Impl, log logger.Logger) (device.Backend, error) {
	name, err := device.Normalize(cfg.Backend)
	if err != nil {
		return nil, err
	}
	host := func() device.Backend {
		return device.NewHost(device.HostOptions{
			Devices:     cfg.HostDevices,
			MemoryLimit: cfg.HostMemoryLimit,
			Blas:        blas,
			StreamDepth: cfg.StreamDepth,
		})
	}
	switch name {
	case device.Host:
		return host(), nil
	case device.CUDA:
		b, err := newCUDA()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoDevice, err)
		}
		return b, nil
	default:
		b, err := newCUDA()
		if err == nil {
			return b, nil
		}
		hb := host()
		log.Info("cuda unavailable, falling back to host backend", "devices", hb.Count(), "error", err)
		return hb, nil
	}
}
