// Package admin serves the kernel's HTTP control surface.
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/vatctl/internal/auth"
	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/kernel"
	"github.com/danmuck/vatctl/internal/logging"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/observability"
	"github.com/danmuck/vatctl/internal/vatadmin"
)

const (
	DefaultMaxBundleBytes = 8 << 20
	DefaultKernelTimeout  = 5 * time.Second
)

type Config struct {
	Addr           string
	CORSOrigins    []string
	MaxBundleBytes int64
	KernelTimeout  time.Duration
	// AuthToken, when set, is required as a bearer token on every route that
	// changes kernel state.
	AuthToken string
}

type Server struct {
	cfg     Config
	kernel  *kernel.Kernel
	events  *vatadmin.Admin
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
}

func New(cfg Config, k *kernel.Kernel, events *vatadmin.Admin) *Server {
	if cfg.MaxBundleBytes <= 0 {
		cfg.MaxBundleBytes = DefaultMaxBundleBytes
	}
	if cfg.KernelTimeout <= 0 {
		cfg.KernelTimeout = DefaultKernelTimeout
	}
	observability.RegisterMetrics()
	log := logging.Component("admin")
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		kernel:  k,
		events:  events,
		router:  r,
		started: time.Now(),
		log:     log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the router for graceful shutdown by the caller.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		var live int
		if !s.submit(c, func(k *kernel.Kernel) { live = k.Registry().LiveCount() }) {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"admin_vat": s.kernel.AdminVat(),
			"live_vats": live,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/vats", s.listVats)
	r.GET("/vats/:vat", s.getVat)
	mut := r.Group("/")
	if s.cfg.AuthToken != "" {
		mut.Use(auth.Require(auth.StaticToken{Token: s.cfg.AuthToken}))
	}
	mut.POST("/vats", s.createVat)
	mut.POST("/vats/:vat/terminate", s.terminateVat)
	mut.POST("/vats/:vat/refill", s.refillVat)
	mut.POST("/vats/:vat/deliver", s.deliver)
	r.GET("/admin/events", s.listEvents)
}

func (s *Server) listVats(c *gin.Context) {
	var (
		vats      []kernel.VatInfo
		creations []kernel.CreationInfo
	)
	if !s.submit(c, func(k *kernel.Kernel) {
		vats = k.Vats()
		creations = k.Creations()
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"vats": vats, "creations": creations})
}

func (s *Server) getVat(c *gin.Context) {
	id, ok := vatParam(c)
	if !ok {
		return
	}
	var (
		info     kernel.VatInfo
		found    bool
		creation kernel.CreationInfo
		created  bool
	)
	if !s.submit(c, func(k *kernel.Kernel) {
		info, found = k.Vat(id)
		creation, created = k.Creation(id)
	}) {
		return
	}
	if !found && !created {
		c.JSON(http.StatusNotFound, gin.H{"error": kernel.ErrUnknownVat.Error()})
		return
	}
	body := gin.H{"admin_status": s.events.Status(id)}
	if found {
		body["vat"] = info
	}
	if created {
		body["creation"] = creation
	}
	c.JSON(http.StatusOK, body)
}

// createVat accepts a bundle archive (CBOR, zstd CBOR or JSON) and answers
// with the allocated vat id before the bundle is loaded.
func (s *Server) createVat(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBundleBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	b, err := bundle.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := kernel.CreateOptions{Name: c.Query("name")}
	if budget := c.Query("budget"); budget != "" {
		n, err := strconv.ParseUint(budget, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid budget"})
			return
		}
		opts.MeterBudget = n
	}

	var id message.VatID
	if !s.submit(c, func(k *kernel.Kernel) {
		id = k.CreateVatDynamicallyWithOptions(b, opts)
	}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"vat_id": id})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) terminateVat(c *gin.Context) {
	id, ok := vatParam(c)
	if !ok {
		return
	}
	var req terminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated by administrator"
	}
	var (
		done bool
		err  error
	)
	if !s.submit(c, func(k *kernel.Kernel) {
		done, err = k.TerminateVat(id, message.ErrorValue{Name: "Error", Message: req.Reason})
	}) {
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vat_id": id, "terminated": done})
}

func (s *Server) refillVat(c *gin.Context) {
	id, ok := vatParam(c)
	if !ok {
		return
	}
	var err error
	if !s.submit(c, func(k *kernel.Kernel) { err = k.RefillMeter(id) }) {
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vat_id": id, "refilled": true})
}

type deliverRequest struct {
	Method string `json:"method" binding:"required"`
	Args   []any  `json:"args"`
}

// deliver enqueues a call to the vat's root object. Arguments are plain
// JSON data; references cannot be minted over HTTP.
func (s *Server) deliver(c *gin.Context) {
	id, ok := vatParam(c)
	if !ok {
		return
	}
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Args == nil {
		req.Args = []any{}
	}
	args, err := message.Marshal(req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.submit(c, func(k *kernel.Kernel) { err = k.SendToRoot(id, req.Method, args) }) {
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"vat_id": id, "queued": true})
}

func (s *Server) listEvents(c *gin.Context) {
	var after uint64
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
			return
		}
		after = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.events.Events(after)})
}

// submit runs fn on the kernel goroutine. It writes the error response and
// returns false when the kernel did not take the work in time; work it took
// is always waited for.
func (s *Server) submit(c *gin.Context, fn func(k *kernel.Kernel)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.KernelTimeout)
	defer cancel()
	if err := s.kernel.Submit(ctx, fn); err != nil {
		s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("admin.Server.submit")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "kernel unavailable"})
		return false
	}
	return true
}

func vatParam(c *gin.Context) (message.VatID, bool) {
	id, err := message.ParseVatID(c.Param("vat"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kernel.ErrUnknownVat), errors.Is(err, kernel.ErrUnknownSlot):
		return http.StatusNotFound
	case errors.Is(err, kernel.ErrVatTerminated), errors.Is(err, kernel.ErrStaticVat):
		return http.StatusConflict
	case errors.Is(err, message.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
