package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/peering"
	"github.com/jibun-social/jibun/reqsig"
)

const (
	inviteTTL = 24 * time.Hour

	// once an invite is redeemed, the follow-up account-issuance call gets a
	// fresh, much shorter window
	redemptionWindow = 10 * time.Minute

	loginTokenTTL = 60 * time.Second
)

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// systemSetting loads this instance's own public identity. Outbound federation
// actions refuse to run before it is configured.
func (s *Server) systemSetting(ctx context.Context) (*models.SystemSetting, error) {
	var setting models.SystemSetting
	if err := s.db.WithContext(ctx).First(&setting).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	if setting.ServerURL == "" {
		return nil, ErrNotConfigured
	}
	return &setting, nil
}

func (s *Server) invitedUserCount(ctx context.Context, connectID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("invited_by_connect_id = ?", connectID).Count(&n).Error
	return n, err
}

// registerConnect normalizes and stores a new outbound relationship. The
// classification probe is advisory: an unreachable or unrecognizable peer
// still registers, as UNKNOWN.
func (s *Server) registerConnect(ctx context.Context, rawURL string) (*models.Connect, error) {
	connectURL := peering.TrimURL(rawURL)
	if connectURL == "" {
		return nil, ErrInvalidPayload
	}

	var existing models.Connect
	err := s.db.WithContext(ctx).First(&existing, "connect_url = ?", connectURL).Error
	if err == nil {
		return nil, ErrDuplicateConnect
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conn := &models.Connect{
		ConnectURL:   connectURL,
		InstanceType: s.peers.Classify(ctx, connectURL),
	}
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateConnect
		}
		return nil, err
	}
	return conn, nil
}

// deleteConnect removes an outbound relationship. For same-protocol peers the
// peer must first acknowledge a signed revoke, unless force is set; the
// handshake runs outside any transaction. Local deletion then unlinks every
// trace of the connect atomically.
func (s *Server) deleteConnect(ctx context.Context, id uint, force bool) error {
	var conn models.Connect
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConnectNotFound
		}
		return err
	}

	if conn.InstanceType == models.InstanceSame && !force {
		setting, err := s.systemSetting(ctx)
		if err != nil {
			return err
		}
		if conn.InviteToken == nil {
			return ErrNotConfigured
		}
		if err := s.peers.Revoke(ctx, conn.ConnectURL, setting.ServerURL, *conn.InviteToken); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connect_id = ?", conn.ID).Delete(&models.ConnectLoginToken{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("connect_id = ?", conn.ID).
			Update("connect_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("invited_by_connect_id = ?", conn.ID).
			Update("invited_by_connect_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Connect{}, conn.ID).Error
	})
}

type InviteGrant struct {
	ID              uint      `json:"id"`
	InviteToken     string    `json:"inviteToken"`
	InviteExpiresAt time.Time `json:"inviteExpiresAt"`
	InviteURL       string    `json:"inviteUrl"`
}

// issueInvite arms a single-use invite on a same-protocol connect: 16 random
// bytes of token, 24 hours to redeem. A connect that already produced a user
// never gets another invite.
func (s *Server) issueInvite(ctx context.Context, connectID uint) (*InviteGrant, error) {
	var conn models.Connect
	if err := s.db.WithContext(ctx).First(&conn, connectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectNotFound
		}
		return nil, err
	}
	if conn.InstanceType != models.InstanceSame {
		return nil, ErrInviteWrongType
	}

	n, err := s.invitedUserCount(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrInviteConsumed
	}

	if _, err := s.systemSetting(ctx); err != nil {
		return nil, err
	}

	token, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(inviteTTL)

	if err := s.db.WithContext(ctx).Model(&conn).Updates(map[string]any{
		"invite_token":      token,
		"invite_expires_at": expiresAt,
	}).Error; err != nil {
		return nil, err
	}

	return &InviteGrant{
		ID:              conn.ID,
		InviteToken:     token,
		InviteExpiresAt: expiresAt,
		InviteURL:       fmt.Sprintf("%s/invite/moments?token=%s", peering.BaseURL(conn.ConnectURL), token),
	}, nil
}

type InviteRedemption struct {
	ServerURL       string    `json:"server_url"`
	InviteExpiresAt time.Time `json:"invite_expires_at"`
}

// redeemInvite is the peer-initiated half of the cross-instance flow: the
// remote instance proves it holds a live invite and gets a re-armed short
// window for the account-issuance call that follows.
func (s *Server) redeemInvite(ctx context.Context, serverURL, token string) (*InviteRedemption, error) {
	connectURL := peering.TrimURL(serverURL)
	if connectURL == "" || token == "" {
		return nil, ErrInvalidPayload
	}

	var conn models.Connect
	err := s.db.WithContext(ctx).
		Where("connect_url = ? AND instance_type = ? AND invite_token = ?",
			connectURL, models.InstanceSame, token).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteInvalid
		}
		return nil, err
	}
	if conn.InviteExpiresAt == nil || !conn.InviteExpiresAt.After(time.Now()) {
		return nil, ErrExpired
	}

	n, err := s.invitedUserCount(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrInviteConsumed
	}

	rearmed := time.Now().Add(redemptionWindow)
	if err := s.db.WithContext(ctx).Model(&conn).
		Update("invite_expires_at", rearmed).Error; err != nil {
		return nil, err
	}

	return &InviteRedemption{ServerURL: conn.ConnectURL, InviteExpiresAt: rearmed}, nil
}

// verifyInvite answers a peer's /api/connect/verify call: does this URL+token
// pair name a live relationship here. Same-protocol connects hold long-lived
// trust, so only other types are checked for expiry.
func (s *Server) verifyInvite(ctx context.Context, serverURL, token string) error {
	connectURL := peering.TrimURL(serverURL)
	if connectURL == "" || token == "" {
		return ErrInvalidPayload
	}

	var conn models.Connect
	err := s.db.WithContext(ctx).
		Where("connect_url = ? AND invite_token = ?", connectURL, token).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInviteInvalid
		}
		return err
	}

	if conn.InstanceType != models.InstanceSame {
		if conn.InviteExpiresAt == nil || !conn.InviteExpiresAt.After(time.Now()) {
			return ErrInviteInvalid
		}
	}
	return nil
}

type issueAccountRequest struct {
	ServerURL   string  `json:"server_url"`
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

type IssuedAccount struct {
	LoginToken string    `json:"login_token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Redirect   string    `json:"redirect"`
}

// issueAccount is the security-critical entry point for cross-instance
// signup. The matched connect's invite token doubles as the HMAC secret for
// this one exchange; staleness is checked before any signature work. On
// success the new user and their one-time login token land in one
// transaction, and the browser carries the token across origins via the
// returned redirect.
func (s *Server) issueAccount(ctx context.Context, timestamp int64, signature string, rawBody []byte) (*IssuedAccount, error) {
	now := time.Now()
	if err := reqsig.CheckTimestamp(timestamp, now); err != nil {
		return nil, ErrExpired
	}

	var req issueAccountRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, ErrInvalidPayload
	}

	connectURL := peering.TrimURL(req.ServerURL)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if connectURL == "" || email == "" || req.Password == "" {
		return nil, ErrInvalidPayload
	}

	var conn models.Connect
	err := s.db.WithContext(ctx).
		Where("connect_url = ? AND instance_type = ?", connectURL, models.InstanceSame).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectNotFound
		}
		return nil, err
	}
	if conn.InviteToken == nil {
		return nil, ErrConnectNotFound
	}

	if err := reqsig.Verify(*conn.InviteToken, timestamp, rawBody, signature); err != nil {
		s.log.Warn("rejected issue-account envelope", "connect", conn.ID)
		return nil, ErrInvalidSignature
	}

	setting, err := s.systemSetting(ctx)
	if err != nil {
		return nil, err
	}

	var existing models.User
	err = s.db.WithContext(ctx).First(&existing, "email = ?", email).Error
	if err == nil {
		return nil, ErrEmailExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	loginToken, err := randomHex(24)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(loginTokenTTL)

	user := models.User{
		Email:              email,
		PasswordHash:       passwordHash,
		Role:               models.RolePoster,
		IsActive:           true,
		ConnectID:          &conn.ID,
		InvitedByConnectID: &conn.ID,
	}
	if req.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*req.AvatarURL)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return tx.Create(&models.ConnectLoginToken{
			Token:     loginToken,
			UserID:    user.ID,
			ConnectID: conn.ID,
			ExpiresAt: expiresAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return &IssuedAccount{
		LoginToken: loginToken,
		ExpiresAt:  expiresAt,
		Redirect:   fmt.Sprintf("%s/auth/auto?token=%s", peering.BaseURL(setting.ServerURL), loginToken),
	}, nil
}

type PublicUser struct {
	ID          uint        `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"displayName"`
	AvatarURL   string      `json:"avatarUrl"`
	Role        models.Role `json:"role"`
}

func publicUser(u *models.User) *PublicUser {
	return &PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Role:        u.Role,
	}
}

type SessionGrant struct {
	Token string      `json:"token"`
	User  *PublicUser `json:"user"`
}

// autoLogin consumes a one-time login token and mints an ordinary local
// session. Consumption is a single conditional update on used_at: of two
// racing redemptions exactly one flips it, the other sees Expired.
func (s *Server) autoLogin(ctx context.Context, token string) (*SessionGrant, error) {
	if token == "" {
		return nil, ErrInvalidPayload
	}
	now := time.Now()

	res := s.db.WithContext(ctx).Model(&models.ConnectLoginToken{}).
		Where("token = ? AND used_at IS NULL AND expires_at > ?", token, now).
		Update("used_at", now)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrExpired
	}

	var lt models.ConnectLoginToken
	if err := s.db.WithContext(ctx).First(&lt, "token = ?", token).Error; err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, lt.UserID).Error; err != nil {
		return nil, ErrExpired
	}
	if !user.IsActive {
		return nil, ErrExpired
	}

	sessionToken, err := s.createSessionForUser(&user)
	if err != nil {
		return nil, err
	}
	return &SessionGrant{Token: sessionToken, User: publicUser(&user)}, nil
}

// upsertInbound records a peer that wants to trust this server. Bidirectional
// trust comes first: we call the peer's own verify endpoint with our URL and
// the proffered token, and store nothing unless the peer accepts.
func (s *Server) upsertInbound(ctx context.Context, name, rawURL, logo, sysUsername, token string) (*models.InboundConnect, error) {
	serverURL := peering.TrimURL(rawURL)
	if name == "" || serverURL == "" || sysUsername == "" || token == "" {
		return nil, ErrInvalidPayload
	}

	setting, err := s.systemSetting(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.peers.Verify(ctx, serverURL, setting.ServerURL, token); err != nil {
		return nil, ErrVerifyFailed
	}

	now := time.Now()
	var inbound models.InboundConnect
	err = s.db.WithContext(ctx).First(&inbound, "server_url = ?", serverURL).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		inbound = models.InboundConnect{ServerURL: serverURL}
	default:
		return nil, err
	}

	inbound.ServerName = name
	inbound.ServerLogo = logo
	inbound.SysUsername = sysUsername
	inbound.TokenHint = token
	inbound.VerifiedAt = &now

	if err := s.db.WithContext(ctx).Save(&inbound).Error; err != nil {
		return nil, err
	}
	return &inbound, nil
}

// revokeInbound processes a peer's signed request to drop its trust record.
// Order matters: replay guard, then lookup, then signature, then a
// confirmation round-trip to the caller's verify endpoint, then deletion.
// A lookup miss reports ErrInboundNotFound, which the handler shapes as
// success so registry membership never leaks to unauthenticated probes.
func (s *Server) revokeInbound(ctx context.Context, timestamp int64, signature string, rawBody []byte) error {
	if err := reqsig.CheckTimestamp(timestamp, time.Now()); err != nil {
		return ErrExpired
	}

	var req struct {
		ServerURL string `json:"server_url"`
	}
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return ErrInvalidPayload
	}
	serverURL := peering.TrimURL(req.ServerURL)
	if serverURL == "" {
		return ErrInvalidPayload
	}

	var inbound models.InboundConnect
	err := s.db.WithContext(ctx).First(&inbound, "server_url = ?", serverURL).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInboundNotFound
	}
	if err != nil {
		return err
	}
	if inbound.TokenHint == "" {
		return ErrInboundNotFound
	}

	if err := reqsig.Verify(inbound.TokenHint, timestamp, rawBody, signature); err != nil {
		s.log.Warn("rejected inbound revoke", "inbound", inbound.ID)
		return ErrInvalidSignature
	}

	setting, err := s.systemSetting(ctx)
	if err != nil {
		return err
	}

	if err := s.peers.Verify(ctx, serverURL, setting.ServerURL, inbound.TokenHint); err != nil {
		return ErrVerifyFailed
	}

	return s.db.WithContext(ctx).Delete(&models.InboundConnect{}, inbound.ID).Error
}

func buildLogoURL(serverURL, serverLogo string) string {
	if serverLogo == "" {
		return ""
	}
	if strings.HasPrefix(serverLogo, "http://") || strings.HasPrefix(serverLogo, "https://") {
		return serverLogo
	}
	if serverURL == "" {
		return ""
	}
	return strings.TrimRight(serverURL, "/") + "/" + strings.TrimLeft(serverLogo, "/")
}

// connectSummary builds this instance's public summary document. The moment
// counts are mirrored onto the foreign naming so either protocol family can
// read us.
func (s *Server) connectSummary(ctx context.Context) (*peering.Summary, error) {
	setting, err := s.systemSetting(ctx)
	if err != nil {
		return nil, err
	}
	if setting.ServerName == "" || setting.SysUsername == "" {
		return nil, ErrNotConfigured
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Moment{}).Count(&total).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	var today int64
	if err := s.db.WithContext(ctx).Model(&models.Moment{}).
		Where("created_at >= ? AND created_at < ?", startOfDay, endOfDay).
		Count(&today).Error; err != nil {
		return nil, err
	}

	return &peering.Summary{
		ServerName:   setting.ServerName,
		ServerURL:    setting.ServerURL,
		Logo:         buildLogoURL(setting.ServerURL, setting.ServerLogo),
		SysUsername:  setting.SysUsername,
		TotalMoments: &total,
		TodayMoments: &today,
		TotalEchos:   &total,
		TodayEchos:   &today,
	}, nil
}

// liveInviteByToken finds the same-protocol connect holding an unexpired,
// unconsumed invite for the given token.
func (s *Server) liveInviteByToken(ctx context.Context, token string) (*models.Connect, error) {
	if token == "" {
		return nil, ErrInvalidPayload
	}

	var conn models.Connect
	err := s.db.WithContext(ctx).
		Where("invite_token = ? AND instance_type = ? AND invite_expires_at > ?",
			token, models.InstanceSame, time.Now()).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteInvalid
		}
		return nil, err
	}

	n, err := s.invitedUserCount(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrInviteConsumed
	}
	return &conn, nil
}

type InviteInfo struct {
	ServerName   string `json:"serverName"`
	ServerURL    string `json:"serverUrl"`
	Logo         string `json:"logo"`
	SysUsername  string `json:"sysUsername"`
	TotalMoments int64  `json:"totalMoments"`
	TodayMoments int64  `json:"todayMoments"`
}

// inviteInfo backs the invite redemption page: invite validity plus the
// inviting peer's live summary.
func (s *Server) inviteInfo(ctx context.Context, token string) (*InviteInfo, error) {
	conn, err := s.liveInviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	sum, err := s.peers.FetchSummary(ctx, conn.ConnectURL)
	if err != nil {
		return nil, err
	}
	sum = sum.Normalize()

	return &InviteInfo{
		ServerName:   sum.ServerName,
		ServerURL:    sum.ServerURL,
		Logo:         sum.Logo,
		SysUsername:  sum.SysUsername,
		TotalMoments: *sum.TotalMoments,
		TodayMoments: *sum.TodayMoments,
	}, nil
}

// registerByInvite is the local-registration variant: the invited user signs
// up directly on this instance and walks away with a session, no login-token
// hop. Display name and avatar come from the inviting peer when reachable.
func (s *Server) registerByInvite(ctx context.Context, token, email, password string) (*SessionGrant, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if token == "" || email == "" || password == "" {
		return nil, ErrInvalidPayload
	}

	conn, err := s.liveInviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var existing models.User
	err = s.db.WithContext(ctx).First(&existing, "email = ?", email).Error
	if err == nil {
		return nil, ErrEmailExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	passwordHash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Email:              email,
		PasswordHash:       passwordHash,
		Role:               models.RolePoster,
		IsActive:           true,
		ConnectID:          &conn.ID,
		InvitedByConnectID: &conn.ID,
	}
	if sum, err := s.peers.FetchSummary(ctx, conn.ConnectURL); err == nil {
		user.DisplayName = sum.SysUsername
		user.AvatarURL = sum.Logo
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	sessionToken, err := s.createSessionForUser(&user)
	if err != nil {
		return nil, err
	}
	return &SessionGrant{Token: sessionToken, User: publicUser(&user)}, nil
}
