package server

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
)

// GET /api/moments — public timeline, newest first.
func (s *Server) handleListMoments(c echo.Context) error {
	var moments []models.Moment
	err := s.db.WithContext(c.Request().Context()).
		Order("created_at desc").Limit(100).Find(&moments).Error
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, moments, "ok")
}

// POST /api/moments — admins and posters publish.
func (s *Server) handleCreateMoment(c echo.Context) error {
	u, err := s.requireRole(c, models.RoleAdmin, models.RolePoster)
	if err != nil {
		return failErr(c, err)
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		return failErr(c, ErrInvalidPayload)
	}

	moment := models.Moment{UserID: u.ID, Content: content}
	if err := s.db.WithContext(c.Request().Context()).Create(&moment).Error; err != nil {
		return failErr(c, err)
	}
	return ok(c, moment, "moment created")
}

// GET /api/moments/:id
func (s *Server) handleGetMoment(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}

	var moment models.Moment
	if err := s.db.WithContext(c.Request().Context()).First(&moment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrNotFound)
		}
		return failErr(c, err)
	}
	return ok(c, moment, "ok")
}

// DELETE /api/moments/:id — authors delete their own, admins delete any.
func (s *Server) handleDeleteMoment(c echo.Context) error {
	u, err := s.requireRole(c, models.RoleAdmin, models.RolePoster)
	if err != nil {
		return failErr(c, err)
	}

	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	var moment models.Moment
	if err := s.db.WithContext(ctx).First(&moment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrNotFound)
		}
		return failErr(c, err)
	}
	if u.Role != models.RoleAdmin && moment.UserID != u.ID {
		return failErr(c, ErrForbidden)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("moment_id = ?", moment.ID).Delete(&models.Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Moment{}, moment.ID).Error
	})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, nil, "moment deleted")
}

// GET /api/moments/:id/comments
func (s *Server) handleListComments(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}

	var comments []models.Comment
	err = s.db.WithContext(c.Request().Context()).
		Where("moment_id = ?", id).Order("created_at").Find(&comments).Error
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, comments, "ok")
}

// POST /api/moments/:id/comments — any authenticated user comments.
func (s *Server) handleCreateComment(c echo.Context) error {
	u := s.currentUser(c)
	if u == nil {
		return failErr(c, ErrUnauthorized)
	}

	id, err := parseIDParam(c)
	if err != nil {
		return failErr(c, err)
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		return failErr(c, ErrInvalidPayload)
	}
	ctx := c.Request().Context()

	var moment models.Moment
	if err := s.db.WithContext(ctx).First(&moment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, ErrNotFound)
		}
		return failErr(c, err)
	}

	comment := models.Comment{MomentID: moment.ID, UserID: u.ID, Content: content}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return failErr(c, err)
	}
	return ok(c, comment, "comment created")
}
