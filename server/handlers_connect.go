package server

import (
	"errors"
	"io"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/reqsig"
)

// GET /api/connect — the public summary document peers probe to classify us.
func (s *Server) handleConnectSummary(c echo.Context) error {
	sum, err := s.connectSummary(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, sum, "ok")
}

// POST /api/connect/verify — a peer asks whether url+token names a live
// relationship here. Public, unauthenticated: the token itself is the proof.
func (s *Server) handleVerifyInvite(c echo.Context) error {
	var body struct {
		ServerURL string `json:"server_url"`
		Token     string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	if err := s.verifyInvite(c.Request().Context(), body.ServerURL, body.Token); err != nil {
		return failErr(c, err)
	}
	return ok(c, nil, "verified")
}

// POST /api/connect/invite is dual-mode. An authenticated admin with a
// connect_id issues an invite on one of our connects; an unauthenticated peer
// with server_url+token redeems one.
func (s *Server) handleInvite(c echo.Context) error {
	var body struct {
		ConnectID uint   `json:"connect_id"`
		ServerURL string `json:"server_url"`
		Token     string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	if body.ServerURL != "" || body.Token != "" {
		red, err := s.redeemInvite(c.Request().Context(), body.ServerURL, body.Token)
		if err != nil {
			return failErr(c, err)
		}
		return ok(c, red, "invite redeemed")
	}

	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}
	grant, err := s.issueInvite(c.Request().Context(), body.ConnectID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, grant, "invite issued")
}

// readSigned pulls the raw body and signature headers off a signed federation
// request. The body must stay byte-exact: the signature covers it as sent.
func readSigned(c echo.Context) (timestamp int64, signature string, rawBody []byte, err error) {
	rawBody, err = io.ReadAll(c.Request().Body)
	if err != nil {
		return 0, "", nil, ErrInvalidPayload
	}

	timestamp, err = reqsig.ParseTimestamp(c.Request().Header.Get(reqsig.HeaderTimestamp))
	if err != nil {
		return 0, "", nil, ErrInvalidPayload
	}

	signature = c.Request().Header.Get(reqsig.HeaderSignature)
	if signature == "" {
		return 0, "", nil, ErrInvalidPayload
	}
	return timestamp, signature, rawBody, nil
}

// POST /api/connect/issue-account — signed request from a peer redeeming its
// invite into a real local account.
func (s *Server) handleIssueAccount(c echo.Context) error {
	ts, sig, rawBody, err := readSigned(c)
	if err != nil {
		return failErr(c, err)
	}

	issued, err := s.issueAccount(c.Request().Context(), ts, sig, rawBody)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, issued, "account issued")
}

// POST /api/connect/inbound — a peer registers itself as trusting us, after
// we confirm the token against its verify endpoint.
func (s *Server) handleUpsertInbound(c echo.Context) error {
	var body struct {
		ServerName  string `json:"server_name"`
		ServerURL   string `json:"server_url"`
		ServerLogo  string `json:"server_logo"`
		SysUsername string `json:"sys_username"`
		Token       string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	inbound, err := s.upsertInbound(c.Request().Context(),
		body.ServerName, body.ServerURL, body.ServerLogo, body.SysUsername, body.Token)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, inbound, "inbound recorded")
}

// POST /api/connect/inbound/revoke — signed request from a peer asking to be
// forgotten. A miss answers success-shaped so the registry never leaks.
func (s *Server) handleRevokeInbound(c echo.Context) error {
	ts, sig, rawBody, err := readSigned(c)
	if err != nil {
		return failErr(c, err)
	}

	err = s.revokeInbound(c.Request().Context(), ts, sig, rawBody)
	if errors.Is(err, ErrInboundNotFound) {
		return ok(c, nil, "revoked")
	}
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, nil, "revoked")
}

type connectListEntry struct {
	models.Connect
	InvitedUserCount int64 `json:"invitedUserCount"`
}

// GET /api/connect/list — admin view of the outbound registry.
func (s *Server) handleListConnects(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	var conns []models.Connect
	if err := s.db.WithContext(ctx).Order("id").Find(&conns).Error; err != nil {
		return failErr(c, err)
	}

	out := make([]connectListEntry, 0, len(conns))
	for _, conn := range conns {
		n, err := s.invitedUserCount(ctx, conn.ID)
		if err != nil {
			return failErr(c, err)
		}
		out = append(out, connectListEntry{Connect: conn, InvitedUserCount: n})
	}
	return ok(c, out, "ok")
}

// GET /api/connects/info — aggregated live summaries of every known peer.
func (s *Server) handleConnectsInfo(c echo.Context) error {
	ctx := c.Request().Context()

	var conns []models.Connect
	if err := s.db.WithContext(ctx).Order("id").Find(&conns).Error; err != nil {
		return failErr(c, err)
	}

	urls := make([]string, len(conns))
	for i, conn := range conns {
		urls[i] = conn.ConnectURL
	}
	return ok(c, s.peers.AggregateInfo(ctx, urls), "ok")
}

// POST /api/addConnect — admin registers a new outbound peer.
func (s *Server) handleAddConnect(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var body struct {
		ConnectURL string `json:"connectUrl"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	conn, err := s.registerConnect(c.Request().Context(), body.ConnectURL)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, conn, "connect added")
}

// DELETE /api/delConnect/:id — admin removes an outbound peer. ?force=1 skips
// the revoke handshake for a peer that is gone for good.
func (s *Server) handleDelConnect(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return failErr(c, ErrInvalidPayload)
	}
	force := c.QueryParam("force") == "1"

	if err := s.deleteConnect(c.Request().Context(), uint(id), force); err != nil {
		return failErr(c, err)
	}
	return ok(c, nil, "connect deleted")
}

// GET /api/connect/inbound — admin view of who trusts us.
func (s *Server) handleListInbound(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	var inbounds []models.InboundConnect
	if err := s.db.WithContext(c.Request().Context()).Order("id").Find(&inbounds).Error; err != nil {
		return failErr(c, err)
	}
	return ok(c, inbounds, "ok")
}

// DELETE /api/connect/inbound/:id — admin drops an inbound record locally,
// no handshake. The peer finds out next time it calls.
func (s *Server) handleDeleteInbound(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	res := s.db.WithContext(c.Request().Context()).Delete(&models.InboundConnect{}, uint(id))
	if res.Error != nil {
		return failErr(c, res.Error)
	}
	if res.RowsAffected == 0 {
		return failErr(c, ErrInboundNotFound)
	}
	return ok(c, nil, "inbound deleted")
}

// POST /api/connect/inbound/:id/registered — admin marks that the reciprocal
// registration on the peer's side happened.
func (s *Server) handleMarkInboundRegistered(c echo.Context) error {
	if _, err := s.requireRole(c, models.RoleAdmin); err != nil {
		return failErr(c, err)
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	res := s.db.WithContext(c.Request().Context()).Model(&models.InboundConnect{}).
		Where("id = ?", uint(id)).Update("registered_at", s.db.NowFunc())
	if res.Error != nil {
		return failErr(c, res.Error)
	}
	if res.RowsAffected == 0 {
		return failErr(c, ErrInboundNotFound)
	}
	return ok(c, nil, "marked registered")
}

// GET /invite/moments?token= — invite landing info for a user arriving with a
// token.
func (s *Server) handleInviteInfo(c echo.Context) error {
	info, err := s.inviteInfo(c.Request().Context(), c.QueryParam("token"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, info, "ok")
}

// POST /invite/moments — local registration against a live invite.
func (s *Server) handleInviteRegister(c echo.Context) error {
	var body struct {
		Token    string `json:"token"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return failErr(c, ErrInvalidPayload)
	}

	grant, err := s.registerByInvite(c.Request().Context(), body.Token, body.Email, body.Password)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, grant, "registered")
}
