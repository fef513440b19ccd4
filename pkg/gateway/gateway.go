// Package gateway exposes the lock service of this member over HTTP.
//
// Locks taken through the gateway belong to the member, not to the HTTP
// caller: any caller may release them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pixperk/dlockd/pkg/dls"
	"github.com/pixperk/dlockd/pkg/logging"
	"github.com/pixperk/dlockd/pkg/membership"
	"github.com/pixperk/dlockd/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// LockService is the slice of dls.Member the gateway serves
type LockService interface {
	ID() types.MemberID
	View() *membership.View
	IsElder() bool
	Service(name string) (*dls.Service, error)
	LookupService(name string) (*dls.Service, bool)
	Services() []string
	Directory() []dls.DirectoryEntry
}

type Server struct {
	httpServer *http.Server
	locks      LockService
	logger     zerolog.Logger
}

func NewServer(httpAddr string, locks LockService, logger zerolog.Logger) *Server {
	s := &Server{
		locks:  locks,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin engine with every route
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(s.logger))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/elder", s.elder)
	v1.GET("/services", s.listServices)

	svc := v1.Group("/services/:service")
	svc.GET("", s.serviceStatus)
	svc.DELETE("", s.destroyService)
	svc.POST("/grantor", s.becomeGrantor)
	svc.POST("/locks/:lock", s.lock)
	svc.DELETE("/locks/:lock", s.unlock)

	return router
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// LockRequest is the optional body of a lock call.
// Durations use Go syntax, "infinite" or "-1" waits or holds forever.
type LockRequest struct {
	Wait  string `json:"wait"`
	Lease string `json:"lease"`
}

type LockResponse struct {
	Service  string `json:"service"`
	Lock     string `json:"lock"`
	Acquired bool   `json:"acquired"`
}

type UnlockResponse struct {
	Service  string `json:"service"`
	Lock     string `json:"lock"`
	Released bool   `json:"released"`
}

type ElderResponse struct {
	Elder     types.Member         `json:"elder"`
	IsSelf    bool                 `json:"is_self"`
	Directory []dls.DirectoryEntry `json:"directory,omitempty"`
}

type HealthResponse struct {
	Status  string         `json:"status"`
	Member  types.MemberID `json:"member"`
	Members int            `json:"members"`
}

func (s *Server) health(c *gin.Context) {
	view := s.locks.View()
	if !view.Alive(s.locks.ID()) {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "joining", Member: s.locks.ID()})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Member:  s.locks.ID(),
		Members: len(view.Members()),
	})
}

func (s *Server) elder(c *gin.Context) {
	elder, ok := s.locks.View().Elder()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no_elder", Message: "membership view is empty"})
		return
	}
	resp := ElderResponse{Elder: elder, IsSelf: s.locks.IsElder()}
	if resp.IsSelf {
		resp.Directory = s.locks.Directory()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.locks.Services()})
}

func (s *Server) serviceStatus(c *gin.Context) {
	svc, ok := s.locks.LookupService(c.Param("service"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "service is not open on this member"})
		return
	}
	c.JSON(http.StatusOK, svc.Status())
}

func (s *Server) destroyService(c *gin.Context) {
	svc, ok := s.locks.LookupService(c.Param("service"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "service is not open on this member"})
		return
	}
	if err := svc.Destroy(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) becomeGrantor(c *gin.Context) {
	svc, err := s.locks.Service(c.Param("service"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := svc.BecomeLockGrantor(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, svc.Status())
}

func (s *Server) lock(c *gin.Context) {
	var req LockRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: err.Error()})
			return
		}
	}
	wait, err := parseDuration(req.Wait, types.NoWait)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_wait", Message: err.Error()})
		return
	}
	lease, err := parseDuration(req.Lease, types.Infinite)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_lease", Message: err.Error()})
		return
	}

	svc, err := s.locks.Service(c.Param("service"))
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := LockResponse{Service: svc.Name(), Lock: c.Param("lock")}
	resp.Acquired, err = svc.Lock(c.Request.Context(), resp.Lock, wait, lease)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !resp.Acquired {
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) unlock(c *gin.Context) {
	svc, ok := s.locks.LookupService(c.Param("service"))
	if !ok {
		s.fail(c, types.ErrNotHeld)
		return
	}
	lock := c.Param("lock")
	if err := svc.Unlock(c.Request.Context(), lock); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, UnlockResponse{Service: svc.Name(), Lock: lock, Released: true})
}

func (s *Server) fail(c *gin.Context, err error) {
	code, kind := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	_ = c.Error(err)
	c.JSON(code, ErrorResponse{Error: kind, Message: err.Error()})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidLockName):
		return http.StatusBadRequest, "invalid_name"
	case errors.Is(err, types.ErrNotHeld):
		return http.StatusNotFound, "not_held"
	case errors.Is(err, types.ErrServiceDestroyed):
		return http.StatusGone, "destroyed"
	case errors.Is(err, types.ErrMemberClosed):
		return http.StatusServiceUnavailable, "closed"
	case types.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, types.ErrLockTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "":
		return def, nil
	case "infinite", "-1":
		return types.Infinite, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
