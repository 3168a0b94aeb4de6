// Package api serves the read-only status surface: portfolio, safety
// counters, recent trades, pending orders, and a WebSocket feed of bot
// events. It never places orders; execution stays inside the bot loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kis-trading-bot/config"
	"kis-trading-bot/internal/auth"
	"kis-trading-bot/internal/database"
	"kis-trading-bot/internal/events"
	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/order"
	"kis-trading-bot/internal/position"
	"kis-trading-bot/internal/quota"
	"kis-trading-bot/internal/safety"
)

// DegradedFunc reports whether the bot is running degraded and why.
type DegradedFunc func() (bool, string)

// Server represents the HTTP status API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig

	db       *database.DB
	trades   *database.TradeRepository
	hard     *safety.HardSafety
	monitor  *position.Monitor
	pending  *order.PendingTracker
	guard    *quota.Guard
	eventBus *events.EventBus
	degraded DegradedFunc

	jwtManager  *auth.JWTManager
	authEnabled bool

	wsHub *WSHub
	log   *logging.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	DB       *database.DB
	Trades   *database.TradeRepository
	Hard     *safety.HardSafety
	Monitor  *position.Monitor
	Pending  *order.PendingTracker
	Guard    *quota.Guard
	EventBus *events.EventBus
	Degraded DegradedFunc
}

// NewServer creates the status API server.
func NewServer(serverCfg config.ServerConfig, authCfg config.AuthConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if serverCfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(serverCfg.AllowedOrigins, ",")
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      serverCfg,
		db:          deps.DB,
		trades:      deps.Trades,
		hard:        deps.Hard,
		monitor:     deps.Monitor,
		pending:     deps.Pending,
		guard:       deps.Guard,
		eventBus:    deps.EventBus,
		degraded:    deps.Degraded,
		authEnabled: authCfg.Enabled,
		wsHub:       NewWSHub(),
		log:         logging.WithComponent("api"),
	}
	if authCfg.Enabled {
		server.jwtManager = auth.NewJWTManager(authCfg.JWTSecret, authCfg.TokenDuration)
	}

	server.setupRoutes()
	server.wsHub.AttachBus(deps.EventBus)
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if s.authEnabled {
		v1.Use(auth.Middleware(s.jwtManager))
	}
	v1.GET("/portfolio", s.handlePortfolio)
	v1.GET("/safety", s.handleSafety)
	v1.GET("/trades/recent", s.handleRecentTrades)
	v1.GET("/orders/pending", s.handlePendingOrders)

	s.router.GET("/ws", s.handleWebSocket)
}

// Start starts the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.wsHub.Run()
	s.log.Info("Starting status API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down status API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
