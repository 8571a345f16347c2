package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
)

func parseIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, ErrInvalidPayload
	}
	return uint(id), nil
}

// GET /api/users — admin listing.
func (s *Server) handleListUsers(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var users []models.User
	if err := s.db.WithContext(c.Request().Context()).Order("id").Find(&users).Error; err != nil {
		return failErr(c, err)
	}

	out := make([]*PublicUser, 0, len(users))
	for i := range users {
		out = append(out, publicUser(&users[i]))
	}
	return ok(c, out, "ok")
}

// POST /api/users — admin creates a local account directly.
func (s *Server) handleCreateUser(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var body struct {
		Email       string      `json:"email"`
		Password    string      `json:"password"`
		Role        models.Role `json:"role"`
		DisplayName string      `json:"displayName"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || body.Password == "" {
		return failErr(c, ErrInvalidPayload)
	}
	switch body.Role {
	case models.RoleAdmin, models.RolePoster, models.RoleGuest:
	default:
		return failErr(c, ErrInvalidPayload)
	}

	hash, err := hashPassword(body.Password)
	if err != nil {
		return failErr(c, err)
	}

	user := models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         body.Role,
		DisplayName:  strings.TrimSpace(body.DisplayName),
		IsActive:     true,
	}
	if err := s.db.WithContext(c.Request().Context()).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return failErr(c, ErrEmailExists)
		}
		return failErr(c, err)
	}
	return ok(c, publicUser(&user), "user created")
}

// GET /api/users/me
func (s *Server) handleGetMe(c echo.Context) error {
	u := s.currentUser(c)
	if u == nil {
		return failErr(c, ErrUnauthorized)
	}
	return ok(c, publicUser(u), "ok")
}

// PUT /api/users/me — self-service profile and password update. Role and
// active flag are out of reach here.
func (s *Server) handleUpdateMe(c echo.Context) error {
	u := s.currentUser(c)
	if u == nil {
		return failErr(c, ErrUnauthorized)
	}

	var body struct {
		DisplayName *string `json:"displayName"`
		AvatarURL   *string `json:"avatarUrl"`
		Password    *string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	updates := map[string]any{}
	if body.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*body.DisplayName)
	}
	if body.AvatarURL != nil {
		updates["avatar_url"] = strings.TrimSpace(*body.AvatarURL)
	}
	if body.Password != nil && *body.Password != "" {
		hash, err := hashPassword(*body.Password)
		if err != nil {
			return failErr(c, err)
		}
		updates["password_hash"] = hash
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(c.Request().Context()).Model(u).Updates(updates).Error; err != nil {
			return failErr(c, err)
		}
	}
	return ok(c, publicUser(u), "profile updated")
}

// PUT /api/users/:id — admin updates role, display name, active flag, or
// resets the password.
func (s *Server) handleUpdateUser(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}

	var body struct {
		Role        *models.Role `json:"role"`
		DisplayName *string      `json:"displayName"`
		AvatarURL   *string      `json:"avatarUrl"`
		IsActive    *bool        `json:"isActive"`
		Password    *string      `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}
	ctx := c.Request().Context()

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrUserNotFound)
		}
		return failErr(c, err)
	}

	updates := map[string]any{}
	if body.Role != nil {
		switch *body.Role {
		case models.RoleAdmin, models.RolePoster, models.RoleGuest:
		default:
			return failErr(c, ErrInvalidPayload)
		}
		// demoting or deactivating the last admin locks everyone out
		if user.Role == models.RoleAdmin && *body.Role != models.RoleAdmin {
			if err := s.checkNotLastAdmin(ctx, user.ID); err != nil {
				return failErr(c, err)
			}
		}
		updates["role"] = *body.Role
	}
	if body.IsActive != nil {
		if user.Role == models.RoleAdmin && !*body.IsActive {
			if err := s.checkNotLastAdmin(ctx, user.ID); err != nil {
				return failErr(c, err)
			}
		}
		updates["is_active"] = *body.IsActive
	}
	if body.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*body.DisplayName)
	}
	if body.AvatarURL != nil {
		updates["avatar_url"] = strings.TrimSpace(*body.AvatarURL)
	}
	if body.Password != nil && *body.Password != "" {
		hash, err := hashPassword(*body.Password)
		if err != nil {
			return failErr(c, err)
		}
		updates["password_hash"] = hash
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return failErr(c, err)
		}
	}
	return ok(c, publicUser(&user), "user updated")
}

func (s *Server) checkNotLastAdmin(ctx context.Context, excludeID uint) error {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("role = ? AND is_active = ? AND id <> ?", models.RoleAdmin, true, excludeID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLastAdmin
	}
	return nil
}

// DELETE /api/users/:id — admin removes a user. Connect-bound users unlink
// from their connect on the way out; the connect's invite fields reset so the
// relationship can be re-invited.
func (s *Server) handleDeleteUser(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrUserNotFound)
		}
		return failErr(c, err)
	}

	if user.Role == models.RoleAdmin {
		if err := s.checkNotLastAdmin(ctx, user.ID); err != nil {
			return failErr(c, err)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.ConnectLoginToken{}).Error; err != nil {
			return err
		}
		if user.InvitedByConnectID != nil {
			if err := tx.Model(&models.Connect{}).Where("id = ?", *user.InvitedByConnectID).
				Updates(map[string]any{"invite_token": nil, "invite_expires_at": nil}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.User{}, user.ID).Error
	})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, nil, "user deleted")
}

// GET /api/settings/profile — this instance's own public identity.
func (s *Server) handleGetSettings(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var setting models.SystemSetting
	err := s.db.WithContext(c.Request().Context()).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ok(c, models.SystemSetting{ID: 1}, "ok")
	}
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, setting, "ok")
}

// PUT /api/settings/profile — upsert of the singleton settings row.
func (s *Server) handleUpdateSettings(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var body struct {
		ServerName  string `json:"serverName"`
		ServerURL   string `json:"serverUrl"`
		ServerLogo  string `json:"serverLogo"`
		SysUsername string `json:"sysUsername"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	setting := models.SystemSetting{
		ID:          1,
		ServerName:  strings.TrimSpace(body.ServerName),
		ServerURL:   strings.TrimSpace(body.ServerURL),
		ServerLogo:  strings.TrimSpace(body.ServerLogo),
		SysUsername: strings.TrimSpace(body.SysUsername),
	}
	if err := s.db.WithContext(c.Request().Context()).Save(&setting).Error; err != nil {
		return failErr(c, err)
	}
	return ok(c, setting, "settings saved")
}
