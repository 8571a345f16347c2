package peering

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/reqsig"
)

func summaryPeer(t *testing.T, sum Summary) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/connect" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 1, "msg": "ok", "data": sum})
	}))
}

func TestClassifyAgainstLivePeers(t *testing.T) {
	assert := assert.New(t)
	c := NewClient(NewShapeClassifier())
	ctx := context.Background()

	same := summaryPeer(t, Summary{ServerName: "alpha", TotalMoments: i64(5), TodayMoments: i64(1)})
	defer same.Close()
	assert.Equal(models.InstanceSame, c.Classify(ctx, same.URL))

	foreign := summaryPeer(t, Summary{ServerName: "beta", TotalEchos: i64(9)})
	defer foreign.Close()
	assert.Equal(models.InstanceForeign, c.Classify(ctx, foreign.URL))

	weird := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1,"msg":"ok","data":{"server_name":"gamma"}}`))
	}))
	defer weird.Close()
	assert.Equal(models.InstanceUnknown, c.Classify(ctx, weird.URL))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	assert.Equal(models.InstanceUnknown, c.Classify(ctx, broken.URL))

	// dead address: still UNKNOWN, never an error
	dead := httptest.NewServer(nil)
	dead.Close()
	assert.Equal(models.InstanceUnknown, c.Classify(ctx, dead.URL))
}

func TestAggregateInfoPartialFailure(t *testing.T) {
	assert := assert.New(t)
	c := NewClient(NewShapeClassifier())

	alpha := summaryPeer(t, Summary{ServerName: "alpha", TotalMoments: i64(5), TodayMoments: i64(1)})
	defer alpha.Close()
	echo := summaryPeer(t, Summary{ServerName: "echo", TotalEchos: i64(3), TodayEchos: i64(0)})
	defer echo.Close()
	dead := httptest.NewServer(nil)
	dead.Close()

	got := c.AggregateInfo(context.Background(), []string{alpha.URL, dead.URL, echo.URL})
	require.Len(t, got, 2)

	assert.Equal("alpha", got[0].ServerName)
	assert.Equal(int64(5), *got[0].TotalMoments)

	// foreign counts arrive normalized onto the native names
	assert.Equal("echo", got[1].ServerName)
	assert.Equal(int64(3), *got[1].TotalMoments)
	assert.Equal(int64(0), *got[1].TodayMoments)
	assert.Nil(got[1].TotalEchos)
}

func TestVerify(t *testing.T) {
	assert := assert.New(t)
	c := NewClient(NewShapeClassifier())
	ctx := context.Background()

	var gotBody map[string]string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/connect/verify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		if gotBody["token"] == "good-token" {
			w.Write([]byte(`{"code":1,"msg":"verify ok","data":{"valid":true}}`))
			return
		}
		w.Write([]byte(`{"code":0,"msg":"invalid token","data":null}`))
	}))
	defer peer.Close()

	assert.NoError(c.Verify(ctx, peer.URL, "https://self.example", "good-token"))
	assert.Equal("https://self.example", gotBody["server_url"])

	assert.ErrorIs(c.Verify(ctx, peer.URL, "https://self.example", "bad-token"), ErrVerifyRejected)
}

func TestRevokeSignsRequest(t *testing.T) {
	assert := assert.New(t)
	c := NewClient(NewShapeClassifier())
	ctx := context.Background()
	secret := "1f2e3d4c5b6a79880102030405060708"

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/connect/inbound/revoke", r.URL.Path)

		ts, err := reqsig.ParseTimestamp(r.Header.Get(reqsig.HeaderTimestamp))
		require.NoError(t, err)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		require.NoError(t, reqsig.Verify(secret, ts, raw, r.Header.Get(reqsig.HeaderSignature)))

		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Equal(t, "https://self.example", body["server_url"])

		w.Write([]byte(`{"code":1,"msg":"inbound revoked","data":null}`))
	}))
	defer peer.Close()

	assert.NoError(c.Revoke(ctx, peer.URL, "https://self.example", secret))
}

func TestRevokeRejectedAndUnreachable(t *testing.T) {
	assert := assert.New(t)
	c := NewClient(NewShapeClassifier())
	ctx := context.Background()

	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"no","data":null}`))
	}))
	defer refusing.Close()
	assert.ErrorIs(c.Revoke(ctx, refusing.URL, "https://self.example", "s"), ErrRevokeRejected)

	dead := httptest.NewServer(nil)
	dead.Close()
	assert.ErrorIs(c.Revoke(ctx, dead.URL, "https://self.example", "s"), ErrPeerUnreachable)
}
