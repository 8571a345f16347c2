package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
)

const sessionTTL = 7 * 24 * time.Hour

func makeToken(subject string, role models.Role, exp time.Time) jwt.Token {
	tok := jwt.New()
	tok.Set("role", string(role))
	tok.Set("sub", subject)
	tok.Set("iat", time.Now().Unix())
	tok.Set("exp", exp.Unix())

	return tok
}

// createSessionForUser signs a bearer session credential: subject is the user
// id, the role travels as a claim, expiry is seven days out. The signing key
// is process-wide configuration handed to NewServer, never persisted.
func (s *Server) createSessionForUser(u *models.User) (string, error) {
	tok := makeToken(strconv.FormatUint(uint64(u.ID), 10), u.Role, time.Now().Add(sessionTTL))

	sig, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.jwtSigningKey))
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}

	return string(sig), nil
}

func toTime(i interface{}) (time.Time, error) {
	ival, ok := i.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid type for timestamp: %T", i)
	}

	return time.Unix(int64(ival), 0), nil
}

// checkTokenValidity validates the claim set of a parsed session token and
// returns the subject user id.
func checkTokenValidity(tok *gojwt.Token) (uint, error) {
	claims, ok := tok.Claims.(gojwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims map")
	}

	iat, ok := claims["iat"]
	if !ok {
		return 0, fmt.Errorf("iat not set")
	}

	tiat, err := toTime(iat)
	if err != nil {
		return 0, err
	}

	if tiat.After(time.Now()) {
		return 0, fmt.Errorf("iat cannot be in the future")
	}

	exp, ok := claims["exp"]
	if !ok {
		return 0, fmt.Errorf("exp not set")
	}

	texp, err := toTime(exp)
	if err != nil {
		return 0, err
	}

	if texp.Before(time.Now()) {
		return 0, fmt.Errorf("token expired")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return 0, fmt.Errorf("expected user id in subject")
	}

	uid, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected numeric subject")
	}

	return uint(uid), nil
}

// resolveSession verifies a bearer token and re-checks the account against
// live state: a missing or inactive user fails closed, regardless of what the
// token says.
func (s *Server) resolveSession(ctx context.Context, tokenstr string) (*models.User, error) {
	tok, err := gojwt.Parse(tokenstr, func(t *gojwt.Token) (interface{}, error) {
		if t.Method != gojwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSigningKey, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, ErrUnauthorized
	}

	uid, err := checkTokenValidity(tok)
	if err != nil {
		return nil, ErrUnauthorized
	}

	var u models.User
	if err := s.db.WithContext(ctx).First(&u, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrUnauthorized
	}

	return &u, nil
}

// sessionMiddleware attaches the authenticated user to the echo context when
// a valid bearer token is present. An absent or invalid token just leaves the
// request unauthenticated; role checks happen per handler.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return next(c)
		}

		u, err := s.resolveSession(c.Request().Context(), token)
		if err != nil {
			return next(c)
		}

		c.Set("user", u)
		return next(c)
	}
}

func (s *Server) currentUser(c echo.Context) *models.User {
	u, _ := c.Get("user").(*models.User)
	return u
}

func (s *Server) requireRole(c echo.Context, roles ...models.Role) (*models.User, error) {
	u := s.currentUser(c)
	if u == nil {
		return nil, ErrUnauthorized
	}
	for _, r := range roles {
		if u.Role == r {
			return u, nil
		}
	}
	return nil, ErrForbidden
}
