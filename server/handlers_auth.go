package server

import (
	"context"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
)

// bootstrapAdmin creates the first admin account from configuration when the
// user table is empty. Runs lazily at login so a fresh database needs no
// seeding step.
func (s *Server) bootstrapAdmin(ctx context.Context) error {
	if s.cfg.AdminEmail == "" || s.cfg.AdminPassword == "" {
		return nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	hash, err := hashPassword(s.cfg.AdminPassword)
	if err != nil {
		return err
	}

	admin := models.User{
		Email:        strings.ToLower(s.cfg.AdminEmail),
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		// lost a race with a concurrent bootstrap, the account exists
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	s.log.Info("bootstrapped admin account", "email", admin.Email)
	return nil
}

// POST /api/auth/login — email+password session login.
func (s *Server) handleLogin(c echo.Context) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || body.Password == "" {
		return failErr(c, ErrInvalidPayload)
	}
	ctx := c.Request().Context()

	if err := s.bootstrapAdmin(ctx); err != nil {
		return failErr(c, err)
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrInvalidCredentials)
		}
		return failErr(c, err)
	}
	if !user.IsActive {
		return failErr(c, ErrInvalidCredentials)
	}

	if err := verifyPassword(user.PasswordHash, body.Password); err != nil {
		return failErr(c, ErrInvalidCredentials)
	}

	token, err := s.createSessionForUser(&user)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, SessionGrant{Token: token, User: publicUser(&user)}, "logged in")
}

// POST /api/auth/auto — one-time login token redemption. The token arrives in
// the body or, for redirect flows, as a query parameter.
func (s *Server) handleAutoLogin(c echo.Context) error {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}
	token := body.Token
	if token == "" {
		token = c.QueryParam("token")
	}

	grant, err := s.autoLogin(c.Request().Context(), token)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, grant, "logged in")
}
