// Package admin serves the gateway's operational HTTP API.
package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/jxskiss/mygw/pkg/events"
	"github.com/jxskiss/mygw/pkg/health"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

const defaultEventLimit = 100

// ReloadFunc rebuilds the gateway state and returns the new version.
type ReloadFunc func(ctx context.Context) (string, error)

type Option func(*Server)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

func WithRecorder(r *events.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithReload(fn ReloadFunc) Option {
	return func(s *Server) { s.reload = fn }
}

type Server struct {
	log      *zap.SugaredLogger
	engine   *gin.Engine
	routes   *route.Store
	checker  *health.Checker
	recorder *events.Recorder
	metrics  http.Handler
	reload   ReloadFunc
	secret   string
}

func NewServer(routes *route.Store, checker *health.Checker, opts ...Option) *Server {
	s := &Server{
		log:     zlog.Named("admin").Sugar(),
		routes:  routes,
		checker: checker,
	}
	for _, o := range opts {
		o(s)
	}
	s.engine = gin.New()
	s.engine.Use(s.recovery())
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	r := s.engine.Group("/")
	if s.secret != "" {
		r.Use(s.authenticate())
	}
	r.GET("/routes", s.handleRoutes)
	r.GET("/clusters", s.handleClusters)
	r.GET("/clusters/:name", s.handleCluster)
	r.GET("/events", s.handleEvents)
	r.POST("/reload", s.handleReload)
}

// recovery logs the panic through zap and answers 500.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorw("admin handler panic",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", r,
					zap.StackSkip("stack", 2))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	rep := s.checker.Check()
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

type routeView struct {
	ID       string            `json:"id"`
	Methods  []string          `json:"methods,omitempty"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers,omitempty"`
	Priority int               `json:"priority"`
	Cluster  string            `json:"cluster"`
	Rewrite  string            `json:"rewrite,omitempty"`
	Timeout  string            `json:"timeout"`
	Retries  int               `json:"retries"`
}

func (s *Server) handleRoutes(c *gin.Context) {
	table := s.routes.Load()
	routes := table.Routes()
	views := make([]routeView, 0, len(routes))
	for _, r := range routes {
		v := routeView{
			ID:       r.ID,
			Methods:  r.Methods,
			Path:     r.Template.String(),
			Headers:  r.Headers,
			Priority: r.Priority,
			Cluster:  r.Cluster,
			Timeout:  r.Timeout.String(),
			Retries:  r.Retry.Retries(),
		}
		if r.Rewrite != nil {
			v.Rewrite = r.Rewrite.String()
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{
		"version": table.Version(),
		"routes":  views,
	})
}

func (s *Server) handleClusters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clusters": s.checker.Check().Clusters})
}

func (s *Server) handleCluster(c *gin.Context) {
	cr, err := s.checker.Cluster(c.Param("name"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, upstream.ErrUnknownCluster) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cr)
}

// handleEvents returns recent events, newest first.
// Query: limit=N, kind=a,b
func (s *Server) handleEvents(c *gin.Context) {
	if s.recorder == nil {
		c.JSON(http.StatusOK, gin.H{"events": []events.Event{}})
		return
	}
	limit := cast.ToInt(c.Query("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	var kinds []events.Kind
	if q := c.Query("kind"); q != "" {
		for _, k := range strings.Split(q, ",") {
			kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": s.recorder.Recent(limit, kinds...)})
}

func (s *Server) handleReload(c *gin.Context) {
	if s.reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reload not supported"})
		return
	}
	version, err := s.reload(c.Request.Context())
	if err != nil {
		s.log.Warnf("reload rejected: %v", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}
