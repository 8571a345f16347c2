// Package server hosts the HTTP API: federation handshakes with remote
// instances, invite-driven account issuance, and the local management surface
// behind it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/peering"
)

type Config struct {
	JWTSigningKey string

	// AdminEmail/AdminPassword bootstrap the first admin account on an empty
	// database, at first login.
	AdminEmail    string
	AdminPassword string
}

type Server struct {
	db    *gorm.DB
	echo  *echo.Echo
	peers *peering.Client
	log   *slog.Logger

	jwtSigningKey []byte
	cfg           Config
}

func NewServer(db *gorm.DB, cfg Config) (*Server, error) {
	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("jwt signing key is required")
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Connect{},
		&models.InboundConnect{},
		&models.ConnectLoginToken{},
		&models.SystemSetting{},
		&models.Moment{},
		&models.Comment{},
	); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	s := &Server{
		db:            db,
		peers:         peering.NewClient(peering.NewShapeClassifier()),
		log:           slog.Default().With("system", "server"),
		jwtSigningKey: []byte(cfg.JWTSigningKey),
		cfg:           cfg,
	}
	s.echo = s.buildEcho()
	return s, nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(s.log))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("jibun"))
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.CORS())
	e.Use(s.sessionMiddleware)

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	api := e.Group("/api")

	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/auto", s.handleAutoLogin)

	// Public federation surface: what a remote peer calls.
	api.GET("/connect", s.handleConnectSummary)
	api.POST("/connect/verify", s.handleVerifyInvite)
	api.POST("/connect/invite", s.handleInvite)
	api.POST("/connect/issue-account", s.handleIssueAccount)
	api.POST("/connect/inbound", s.handleUpsertInbound)
	api.POST("/connect/inbound/revoke", s.handleRevokeInbound)

	// Admin-facing connect management.
	api.GET("/connect/list", s.handleListConnects)
	api.GET("/connects/info", s.handleConnectsInfo)
	api.POST("/addConnect", s.handleAddConnect)
	api.DELETE("/delConnect/:id", s.handleDelConnect)
	api.GET("/connect/inbound", s.handleListInbound)
	api.DELETE("/connect/inbound/:id", s.handleDeleteInbound)
	api.POST("/connect/inbound/:id/registered", s.handleMarkInboundRegistered)

	api.GET("/users", s.handleListUsers)
	api.POST("/users", s.handleCreateUser)
	api.GET("/users/me", s.handleGetMe)
	api.PUT("/users/me", s.handleUpdateMe)
	api.PUT("/users/:id", s.handleUpdateUser)
	api.DELETE("/users/:id", s.handleDeleteUser)

	api.GET("/settings/profile", s.handleGetSettings)
	api.PUT("/settings/profile", s.handleUpdateSettings)

	api.GET("/moments", s.handleListMoments)
	api.POST("/moments", s.handleCreateMoment)
	api.GET("/moments/:id", s.handleGetMoment)
	api.DELETE("/moments/:id", s.handleDeleteMoment)
	api.GET("/moments/:id/comments", s.handleListComments)
	api.POST("/moments/:id/comments", s.handleCreateComment)

	// Invite redemption page backend for users arriving with a token in hand.
	e.GET("/invite/moments", s.handleInviteInfo)
	e.POST("/invite/moments", s.handleInviteRegister)

	return e
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.db.WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
		s.log.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "can't connect to database"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RunAPI starts the HTTP listener and blocks until it exits. Boot failures
// within the first second are reported synchronously.
func (s *Server) RunAPI(listen string) error {
	s.log.Info("starting api server", "bind", listen)

	errChan := make(chan error, 1)
	go func() {
		err := s.echo.Start(listen)
		if err == http.ErrServerClosed {
			err = nil
		}
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("api server failed to start: %w", err)
		}
		return nil
	case <-time.After(time.Second):
	}

	return <-errChan
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
