package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/kernels"
	"github.com/samcharles93/scfdev/internal/linalg"
	"github.com/samcharles93/scfdev/internal/offload"
	"github.com/urfave/cli/v3"
)

var (
	backend       string
	deviceIDs     string
	hostDevices   int
	hostMemoryMiB int64
	streamDepth   int
	blasImpl      string
	noCache       bool
	cacheLimitMiB int64
	cacheSlack    int
	verifyCache   bool
	tile          int

	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, host, cuda)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "devices",
			Usage:       "comma-separated device ids to open (default: all)",
			Destination: &deviceIDs,
		},
		&cli.IntFlag{
			Name:        "host-devices",
			Usage:       "number of devices the host backend exposes",
			Value:       1,
			Destination: &hostDevices,
		},
		&cli.Int64Flag{
			Name:        "host-memory-mib",
			Usage:       "per-device memory cap for the host backend (0 = system memory)",
			Destination: &hostMemoryMiB,
		},
		&cli.IntFlag{
			Name:        "stream-depth",
			Usage:       "queued operations per stream before enqueue blocks",
			Destination: &streamDepth,
		},
		&cli.StringFlag{
			Name:        "blas",
			Usage:       "host BLAS implementation (gonum, system)",
			Value:       linalg.Gonum,
			Destination: &blasImpl,
		},
		&cli.BoolFlag{
			Name:        "no-cache",
			Usage:       "start with the ERI cache disabled",
			Destination: &noCache,
		},
		&cli.Int64Flag{
			Name:        "cache-limit-mib",
			Usage:       "per-device ERI cache ceiling (0 = unbounded)",
			Destination: &cacheLimitMiB,
		},
		&cli.IntFlag{
			Name:        "cache-slack",
			Usage:       "block slots reserved per origin",
			Value:       eri.DefaultSlack,
			Destination: &cacheSlack,
		},
		&cli.BoolFlag{
			Name:        "verify-cache",
			Usage:       "fingerprint cached blocks and fail on host/device mismatch",
			Destination: &verifyCache,
		},
		&cli.IntFlag{
			Name:        "tile",
			Usage:       "aux rows per AO2MO tile",
			Value:       kernels.BlockDim,
			Destination: &tile,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Sources:     cli.EnvVars(envConfig),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func parseDeviceIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// facadeConfig builds the offload configuration from the parsed flags.
func facadeConfig() (offload.Config, error) {
	ids, err := parseDeviceIDs(deviceIDs)
	if err != nil {
		return offload.Config{}, err
	}
	cfg := offload.DefaultConfig()
	cfg.Backend = backend
	cfg.Devices = ids
	cfg.HostDevices = hostDevices
	cfg.HostMemoryLimit = uint64(max(hostMemoryMiB, 0)) << 20
	cfg.StreamDepth = streamDepth
	cfg.Blas = blasImpl
	cfg.CacheEnabled = !noCache
	cfg.CacheLimitBytes = cacheLimitMiB << 20
	cfg.CacheSlack = cacheSlack
	cfg.VerifyCache = verifyCache
	cfg.Tile = tile
	return cfg, nil
}
