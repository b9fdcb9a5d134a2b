package api

import (
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/offload"
)

type DevicesResponse struct {
	Count   int           `json:"count" msgpack:"count"`
	Active  int           `json:"active" msgpack:"active"`
	Devices []device.Info `json:"devices" msgpack:"devices"`
}

type SelectResponse struct {
	Active int `json:"active" msgpack:"active"`
}

// InitJKRequest carries the problem dimensions inline next to the
// nset×nao×nao density matrices.
type InitJKRequest struct {
	offload.Problem
	DMs []float64 `json:"dms" msgpack:"dms"`
}

type InitJKResponse struct {
	Problem offload.Problem `json:"problem" msgpack:"problem"`
}

type BlockResponse struct {
	Origin eri.OriginID `json:"origin" msgpack:"origin"`
	Index  int          `json:"index" msgpack:"index"`
	Queued bool         `json:"queued" msgpack:"queued"`
}

type PullResponse struct {
	NSet int       `json:"nset" msgpack:"nset"`
	NAO  int       `json:"nao" msgpack:"nao"`
	VJ   []float64 `json:"vj" msgpack:"vj"`
	VK   []float64 `json:"vk,omitempty" msgpack:"vk,omitempty"`
}

type InvalidateResponse struct {
	Origin      eri.OriginID `json:"origin" msgpack:"origin"`
	Invalidated int          `json:"invalidated" msgpack:"invalidated"`
}

type CacheResponse struct {
	Enabled bool `json:"enabled" msgpack:"enabled"`
}

// MatrixResponse is a row-major tensor.
type MatrixResponse struct {
	Shape []int     `json:"shape" msgpack:"shape"`
	Data  []float64 `json:"data" msgpack:"data"`
}
