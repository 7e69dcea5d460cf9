// Package rest provides the HTTP API of the topology coordinator: event
// ingestion from node agents, topology and plan queries, and read-only
// diagnostics.
package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yqhp/topology-engine/internal/master"
	"yqhp/topology-engine/internal/metrics"
	"yqhp/topology-engine/internal/topology"
	zlog "yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Cluster is the coordinator surface the API serves.
type Cluster interface {
	ID() string
	State() master.State

	Apply(ctx context.Context, ev types.Event) error
	Submit(ev types.Event) error

	Nodes(ctx context.Context, filter *types.NodeFilter) []*types.Node
	Node(ctx context.Context, id types.NodeID) (*types.Node, error)
	Topology() *topology.Snapshot
	Connected(a, b types.NodeID) bool
	BestPath(from, to types.NodeID, metric string, bytes int64) (topology.Path, bool)
	Plan(ctx context.Context, req *types.PlanRequest) (*types.RoutePlan, error)
	PlanModel(ctx context.Context, model types.ModelSpec, n int, source types.NodeID) (*types.RoutePlan, error)
	Members() []types.Member
	Stats() types.ProfilerStats
	Export() *types.ClusterExport

	WatchNodes(ctx context.Context) <-chan *types.NodeEvent
	WatchTransitions(ctx context.Context) <-chan *types.Transition
}

// Server represents the REST API server.
type Server struct {
	app     *fiber.App
	cluster Cluster
	config  *Config
	limiter *rate.Limiter
	log     *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors"`

	// EnableMetrics enables the /metrics endpoint.
	EnableMetrics bool `yaml:"enable_metrics"`

	// EnableWebSocket enables the diagnostics stream.
	EnableWebSocket bool `yaml:"enable_websocket"`

	// RateLimit bounds ingestion requests per second. Zero disables the limiter.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// MaxPayloadBytes caps the bandwidth probe payload.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// StreamInterval is the period of full snapshots on the diagnostics stream.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		EnableCORS:      true,
		EnableMetrics:   true,
		EnableWebSocket: true,
		RateLimit:       0,
		Burst:           100,
		MaxPayloadBytes: 16 << 20,
		StreamInterval:  5 * time.Second,
	}
}

// NewServer creates a new REST API server.
func NewServer(cluster Cluster, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorHandler: customErrorHandler,
		AppName:      "Topology Engine API",
	})

	server := &Server{
		app:     app,
		cluster: cluster,
		config:  config,
		log:     zlog.Named("rest"),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		server.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${locals:requestid} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     "*",
			AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept",
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}
}

// rateLimit rejects ingestion requests beyond the configured rate.
func (s *Server) rateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.RecordRateLimited()
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "rate_limited",
				Message: "ingestion rate limit exceeded",
			})
		}
		return c.Next()
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	if s.config.EnableMetrics {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := s.app.Group("/api/v1")

	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	// 节点上报
	limit := s.rateLimit()
	api.Post("/nodes/register", limit, s.registerNode)
	api.Put("/nodes/:id/profile", limit, s.updateProfile)
	api.Post("/nodes/:id/heartbeat", limit, s.heartbeat)
	api.Post("/nodes/:id/leave", limit, s.leave)
	api.Post("/probes", limit, s.reportProbes)

	// 查询
	api.Get("/nodes", s.listNodes)
	api.Get("/nodes/:id", s.getNode)
	api.Get("/topology", s.getTopology)
	api.Get("/topology/path", s.bestPath)
	api.Get("/topology/connected", s.connected)
	api.Post("/plans", s.plan)
	api.Get("/members", s.listMembers)

	// 诊断
	api.Get("/diagnostics/export", s.export)
	api.Get("/diagnostics/stats", s.stats)

	api.Get("/probe/payload", PayloadHandler(s.config.MaxPayloadBytes))

	s.setupWebSocketRoutes()
}

// Start starts the REST API server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the REST API server and shuts it down when ctx
// is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}

// errorStatus maps core sentinels to an HTTP status and error kind.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrAlreadyRegistered):
		return fiber.StatusConflict, "already_registered"
	case errors.Is(err, types.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrInfeasible):
		return fiber.StatusUnprocessableEntity, "infeasible"
	case errors.Is(err, types.ErrInvalidEvent),
		errors.Is(err, types.ErrInvalidProbe),
		errors.Is(err, types.ErrSelfLoop):
		return fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, types.ErrBackpressure):
		return fiber.StatusTooManyRequests, "backpressure"
	case errors.Is(err, types.ErrNotStarted):
		return fiber.StatusServiceUnavailable, "not_started"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable, "cancelled"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// fail writes err as an ErrorResponse.
func fail(c *fiber.Ctx, err error) error {
	code, kind := errorStatus(err)
	return c.Status(code).JSON(ErrorResponse{
		Error:   kind,
		Message: err.Error(),
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}
