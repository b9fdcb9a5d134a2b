// Package api exposes the offload facade over HTTP.
package api

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/offload"
)

// Offloader is the facade surface the server drives.
type Offloader interface {
	DeviceCount() int
	Devices() []device.Info
	ActiveDevice() int
	SetDevice(id int) error
	InitJK(ctx context.Context, p offload.Problem, dms []float64) error
	GetJK(ctx context.Context, b offload.Block) error
	PullJK(ctx context.Context, vj, vk []float64) error
	PullJKResult(ctx context.Context) (offload.Problem, []float64, []float64, error)
	InvalidateOrigin(origin eri.OriginID) int
	OriginStatus(origin eri.OriginID) eri.Status
	DisableCache()
	EnableCache()
	CacheEnabled() bool
	AO2MOPass1(ctx context.Context, req offload.AO2MORequest) ([]float64, error)
	OrbitalResponse(ctx context.Context, req offload.OrbitalRequest) ([]float64, error)
	UpdateH2eff(ctx context.Context, req offload.H2effUpdate) ([]float64, error)
	H2effDF(ctx context.Context, req offload.H2effDFRequest) (offload.H2effDFResult, error)
	Stats() offload.Stats
}

type Server struct {
	facade    Offloader
	log       logger.Logger
	bodyLimit int64
}

type Option func(*Server)

// WithBodyLimit caps decoded request bodies at n bytes.
func WithBodyLimit(n int64) Option {
	return func(s *Server) { s.bodyLimit = n }
}

func NewServer(facade Offloader, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{facade: facade, log: log, bodyLimit: DefaultBodyLimit}
	for _, opt := range opts {
		opt(s)
	}
	if s.bodyLimit <= 0 {
		s.bodyLimit = DefaultBodyLimit
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/devices", s.handleDevices)
	e.POST("/v1/devices/:id/select", s.handleSelectDevice)
	e.GET("/v1/stats", s.handleStats)

	e.POST("/v1/jk/init", s.handleInitJK)
	e.POST("/v1/jk/blocks", s.handleBlock)
	e.POST("/v1/jk/pull", s.handlePull)

	e.POST("/v1/origins/:origin/invalidate", s.handleInvalidate)
	e.GET("/v1/origins/:origin/status", s.handleOriginStatus)
	e.POST("/v1/cache/disable", s.handleCacheToggle(false))
	e.POST("/v1/cache/enable", s.handleCacheToggle(true))

	e.POST("/v1/ao2mo/pass1", s.handleAO2MO)
	e.POST("/v1/orbital-response", s.handleOrbitalResponse)
	e.POST("/v1/h2eff/update", s.handleUpdateH2eff)
	e.POST("/v1/h2eff/df", s.handleH2effDF)
}

func (s *Server) handleDevices(c *echo.Context) error {
	return writeResult(c, DevicesResponse{
		Count:   s.facade.DeviceCount(),
		Active:  s.facade.ActiveDevice(),
		Devices: s.facade.Devices(),
	})
}

func (s *Server) handleSelectDevice(c *echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return writeError(c, newInvalidRequest("device id must be an integer"))
	}
	if err := s.facade.SetDevice(id); err != nil {
		return writeError(c, err)
	}
	return writeResult(c, SelectResponse{Active: id})
}

func (s *Server) handleStats(c *echo.Context) error {
	return writeResult(c, s.facade.Stats())
}

func (s *Server) handleInitJK(c *echo.Context) error {
	req, err := decodeBody[InitJKRequest](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.facade.InitJK(c.Request().Context(), req.Problem, req.DMs); err != nil {
		return writeError(c, err)
	}
	s.log.Debug("jk cycle started", "nao", req.NAO, "nset", req.NSet, "with_k", req.WithK)
	return writeResult(c, InitJKResponse{Problem: req.Problem})
}

func (s *Server) handleBlock(c *echo.Context) error {
	req, err := decodeBody[offload.Block](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.facade.GetJK(c.Request().Context(), req); err != nil {
		return writeError(c, err)
	}
	return writeResult(c, BlockResponse{Origin: req.Origin, Index: req.Index, Queued: true})
}

func (s *Server) handlePull(c *echo.Context) error {
	p, vj, vk, err := s.facade.PullJKResult(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return writeResult(c, PullResponse{NSet: p.NSet, NAO: p.NAO, VJ: vj, VK: vk})
}

func parseOrigin(c *echo.Context) (eri.OriginID, error) {
	v, err := strconv.ParseUint(c.Param("origin"), 10, 64)
	if err != nil {
		return 0, newInvalidRequest("origin must be an unsigned integer")
	}
	return eri.OriginID(v), nil
}

func (s *Server) handleInvalidate(c *echo.Context) error {
	origin, err := parseOrigin(c)
	if err != nil {
		return writeError(c, err)
	}
	n := s.facade.InvalidateOrigin(origin)
	return writeResult(c, InvalidateResponse{Origin: origin, Invalidated: n})
}

func (s *Server) handleOriginStatus(c *echo.Context) error {
	origin, err := parseOrigin(c)
	if err != nil {
		return writeError(c, err)
	}
	return writeResult(c, s.facade.OriginStatus(origin))
}

func (s *Server) handleCacheToggle(on bool) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if on {
			s.facade.EnableCache()
		} else {
			s.facade.DisableCache()
		}
		return writeResult(c, CacheResponse{Enabled: s.facade.CacheEnabled()})
	}
}

func (s *Server) handleAO2MO(c *echo.Context) error {
	req, err := decodeBody[offload.AO2MORequest](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	out, err := s.facade.AO2MOPass1(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return writeResult(c, MatrixResponse{Shape: []int{req.NAux, req.NMO, req.NMO}, Data: out})
}

func (s *Server) handleOrbitalResponse(c *echo.Context) error {
	req, err := decodeBody[offload.OrbitalRequest](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	out, err := s.facade.OrbitalResponse(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return writeResult(c, MatrixResponse{Shape: []int{req.NMO, req.NMO}, Data: out})
}

func (s *Server) handleUpdateH2eff(c *echo.Context) error {
	req, err := decodeBody[offload.H2effUpdate](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	out, err := s.facade.UpdateH2eff(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	npair := req.NCas * (req.NCas + 1) / 2
	return writeResult(c, MatrixResponse{Shape: []int{req.NMO, req.NCas, npair}, Data: out})
}

func (s *Server) handleH2effDF(c *echo.Context) error {
	req, err := decodeBody[offload.H2effDFRequest](c, s.bodyLimit)
	if err != nil {
		return writeError(c, err)
	}
	out, err := s.facade.H2effDF(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return writeResult(c, out)
}
