package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/reqsig"
)

func signedIssueAccountBody(t *testing.T, serverURL, email, password string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"server_url": serverURL,
		"email":      email,
		"password":   password,
	})
	require.NoError(t, err)
	return body
}

// The full cross-instance issuance round: armed invite, signed request, new
// poster account, one-time login token, session.
func TestIssueAccountEndToEnd(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")
	peer := fakePeer(t, nil, nil)
	ctx := context.Background()

	conn, err := s.registerConnect(ctx, peer.URL)
	require.NoError(t, err)
	require.Equal(t, models.InstanceSame, conn.InstanceType)

	grant, err := s.issueInvite(ctx, conn.ID)
	require.NoError(t, err)

	body := signedIssueAccountBody(t, peer.URL, "newcomer@peer.example", "pw-newcomer")
	ts := time.Now().UnixMilli()
	sig := reqsig.Sign(grant.InviteToken, ts, body)

	issued, err := s.issueAccount(ctx, ts, sig, body)
	require.NoError(t, err)
	assert.Len(t, issued.LoginToken, 48)
	assert.WithinDuration(t, time.Now().Add(loginTokenTTL), issued.ExpiresAt, 5*time.Second)
	assert.Contains(t, issued.Redirect, "https://self.example/auth/auto?token="+issued.LoginToken)

	var user models.User
	require.NoError(t, s.db.First(&user, "email = ?", "newcomer@peer.example").Error)
	assert.Equal(t, models.RolePoster, user.Role)
	require.NotNil(t, user.InvitedByConnectID)
	assert.Equal(t, conn.ID, *user.InvitedByConnectID)

	// the token logs the new user in exactly once
	sess, err := s.autoLogin(ctx, issued.LoginToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.User.ID)

	_, err = s.autoLogin(ctx, issued.LoginToken)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIssueAccountRejectsStaleTimestamp(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")
	peer := fakePeer(t, nil, nil)
	ctx := context.Background()

	conn, err := s.registerConnect(ctx, peer.URL)
	require.NoError(t, err)
	grant, err := s.issueInvite(ctx, conn.ID)
	require.NoError(t, err)

	body := signedIssueAccountBody(t, peer.URL, "late@peer.example", "pw")
	ts := time.Now().Add(-6 * time.Minute).UnixMilli()
	sig := reqsig.Sign(grant.InviteToken, ts, body)

	_, err = s.issueAccount(ctx, ts, sig, body)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIssueAccountRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")
	peer := fakePeer(t, nil, nil)
	ctx := context.Background()

	conn, err := s.registerConnect(ctx, peer.URL)
	require.NoError(t, err)
	_, err = s.issueInvite(ctx, conn.ID)
	require.NoError(t, err)

	body := signedIssueAccountBody(t, peer.URL, "forger@peer.example", "pw")
	ts := time.Now().UnixMilli()
	sig := reqsig.Sign("not-the-invite-token", ts, body)

	_, err = s.issueAccount(ctx, ts, sig, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// tampering with the body after signing also fails
	grantSig := func() string {
		var conn2 models.Connect
		require.NoError(t, s.db.First(&conn2, conn.ID).Error)
		require.NotNil(t, conn2.InviteToken)
		return reqsig.Sign(*conn2.InviteToken, ts, body)
	}()
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] ^= 0x01
	_, err = s.issueAccount(ctx, ts, grantSig, tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIssueAccountRejectsUnknownPeer(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")

	body := signedIssueAccountBody(t, "https://stranger.example", "x@y.example", "pw")
	ts := time.Now().UnixMilli()

	_, err := s.issueAccount(context.Background(), ts, reqsig.Sign("whatever", ts, body), body)
	assert.ErrorIs(t, err, ErrConnectNotFound)
}

func TestIssueAccountRejectsDuplicateEmail(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")
	peer := fakePeer(t, nil, nil)
	ctx := context.Background()

	conn, err := s.registerConnect(ctx, peer.URL)
	require.NoError(t, err)
	grant, err := s.issueInvite(ctx, conn.ID)
	require.NoError(t, err)

	require.NoError(t, s.db.Create(&models.User{
		Email: "taken@peer.example", Role: models.RolePoster, IsActive: true,
	}).Error)

	body := signedIssueAccountBody(t, peer.URL, "taken@peer.example", "pw")
	ts := time.Now().UnixMilli()
	sig := reqsig.Sign(grant.InviteToken, ts, body)

	_, err = s.issueAccount(ctx, ts, sig, body)
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestAutoLoginConcurrentRedemption(t *testing.T) {
	s := newTestServer(t)

	user := models.User{Email: "race@example.com", Role: models.RolePoster, IsActive: true}
	require.NoError(t, s.db.Create(&user).Error)
	require.NoError(t, s.db.Create(&models.ConnectLoginToken{
		Token: "contended-token", UserID: user.ID, ConnectID: 1,
		ExpiresAt: time.Now().Add(time.Minute),
	}).Error)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.autoLogin(context.Background(), "contended-token"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	assert.Equal(t, 1, n, "exactly one redemption must win")
}

func TestRevokeInboundFlow(t *testing.T) {
	s := newTestServer(t)
	selfURL := "https://self.example"
	configure(t, s, selfURL)
	token := "hinted-secret"
	peer := fakePeer(t, &selfURL, &token)
	ctx := context.Background()

	inbound, err := s.upsertInbound(ctx, "peer", peer.URL, "", "peer-sys", token)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"server_url": peer.URL})
	require.NoError(t, err)

	// stale timestamp is rejected before any signature work
	staleTS := time.Now().Add(-10 * time.Minute).UnixMilli()
	err = s.revokeInbound(ctx, staleTS, reqsig.Sign(token, staleTS, body), body)
	assert.ErrorIs(t, err, ErrExpired)

	// wrong signature is rejected
	ts := time.Now().UnixMilli()
	err = s.revokeInbound(ctx, ts, reqsig.Sign("wrong-secret", ts, body), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// valid revoke deletes the record
	err = s.revokeInbound(ctx, ts, reqsig.Sign(token, ts, body), body)
	require.NoError(t, err)
	assert.Error(t, s.db.First(&models.InboundConnect{}, inbound.ID).Error)
}

func TestRevokeInboundUnknownPeerShapedAsMiss(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")

	body, err := json.Marshal(map[string]string{"server_url": "https://nobody.example"})
	require.NoError(t, err)
	ts := time.Now().UnixMilli()

	err = s.revokeInbound(context.Background(), ts, reqsig.Sign("anything", ts, body), body)
	assert.ErrorIs(t, err, ErrInboundNotFound)
}

func TestRegisterByInvite(t *testing.T) {
	s := newTestServer(t)
	configure(t, s, "https://self.example")
	peer := fakePeer(t, nil, nil)
	ctx := context.Background()

	conn, err := s.registerConnect(ctx, peer.URL)
	require.NoError(t, err)
	grant, err := s.issueInvite(ctx, conn.ID)
	require.NoError(t, err)

	sess, err := s.registerByInvite(ctx, grant.InviteToken, "Walk-In@Peer.Example", "pw-walkin")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "walk-in@peer.example", sess.User.Email)
	assert.Equal(t, "peer-sys", sess.User.DisplayName)

	// the invite is consumed by the created user
	_, err = s.registerByInvite(ctx, grant.InviteToken, "second@peer.example", "pw")
	assert.ErrorIs(t, err, ErrInviteConsumed)
}
