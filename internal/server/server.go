package server

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/health"
	"solana-flywheel/internal/jobs"
	"solana-flywheel/internal/launchpad"
	"solana-flywheel/internal/storage"
)

// Server exposes the admin, lifecycle and read APIs
type Server struct {
	app  *fiber.App
	host string
	port int

	db        *storage.DB
	runner    *jobs.Runner
	checker   *health.Checker
	launchpad *launchpad.Client
	auth      *Auth

	// onPendingCreated / onPendingClosed let the deposit feed follow the
	// pending set without the server knowing about websockets.
	onPendingCreated func(depositAddress string)
	onPendingClosed  func(depositAddress string)
}

// Deps bundles the server's collaborators
type Deps struct {
	DB               *storage.DB
	Runner           *jobs.Runner
	Checker          *health.Checker
	Launchpad        *launchpad.Client
	AdminPubkeys     []string
	OnPendingCreated func(depositAddress string)
	OnPendingClosed  func(depositAddress string)
}

// New creates the API server
func New(host string, port int, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	s := &Server{
		app:              app,
		host:             host,
		port:             port,
		db:               deps.DB,
		runner:           deps.Runner,
		checker:          deps.Checker,
		launchpad:        deps.Launchpad,
		auth:             NewAuth(deps.AdminPubkeys),
		onPendingCreated: deps.OnPendingCreated,
		onPendingClosed:  deps.OnPendingClosed,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/admin/nonce", s.handleNonce)

	admin := s.app.Group("/admin", s.auth.Middleware())
	admin.Get("/jobs", s.handleListJobs)
	admin.Post("/jobs/:job/trigger", s.handleTriggerJob)
	admin.Post("/config", s.handleSetConfig)
	admin.Get("/wheel", s.handleWheelConfig)
	admin.Get("/trades.csv", s.handleTradesCSV)
	admin.Post("/tokens/:mint/config", s.handleTokenConfig)

	lifecycle := s.app.Group("/lifecycle", s.auth.Middleware())
	lifecycle.Post("/pending", s.handleCreatePending)
	lifecycle.Delete("/pending/:id", s.handleCancelPending)
	lifecycle.Post("/tokens", s.handleRegisterToken)
	lifecycle.Post("/tokens/:mint/reactivate", s.handleReactivate)

	s.app.Get("/tokens", s.handleListTokens)
	s.app.Get("/tokens/:mint", s.handleTokenDetail)
	s.app.Get("/tokens/:mint/claimable", s.handleClaimable)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	statuses := s.checker.Statuses()
	code := fiber.StatusOK
	if !s.checker.Healthy() {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"healthy":    s.checker.Healthy(),
		"components": statuses,
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleNonce(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"nonce": s.auth.IssueNonce()})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("api server listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
