package reqsig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	assert := assert.New(t)

	secret := "f3c9a1b2d4e5f60718293a4b5c6d7e8f"
	ts := time.Now().UnixMilli()
	body := []byte(`{"server_url":"https://peer.example"}`)

	sig := Sign(secret, ts, body)
	assert.Len(sig, 64)
	assert.NoError(Verify(secret, ts, body, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	assert := assert.New(t)

	secret := "topsecret"
	ts := int64(1700000000000)
	body := []byte(`{"server_url":"https://peer.example"}`)
	sig := Sign(secret, ts, body)

	// flip one byte of the body
	tampered := append([]byte{}, body...)
	tampered[3] ^= 0x01
	assert.ErrorIs(Verify(secret, ts, tampered, sig), ErrInvalidSignature)

	// shift the timestamp
	assert.ErrorIs(Verify(secret, ts+1, body, sig), ErrInvalidSignature)

	// flip one hex digit of the signature
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.ErrorIs(Verify(secret, ts, body, string(flipped)), ErrInvalidSignature)

	// wrong secret
	assert.ErrorIs(Verify("othersecret", ts, body, sig), ErrInvalidSignature)
}

func TestVerifyFailsClosedOnGarbage(t *testing.T) {
	assert := assert.New(t)

	ts := int64(1700000000000)
	body := []byte("{}")
	sig := Sign("s", ts, body)

	assert.ErrorIs(Verify("s", ts, body, ""), ErrInvalidSignature)
	assert.ErrorIs(Verify("s", ts, body, "zz"), ErrInvalidSignature)
	assert.ErrorIs(Verify("s", ts, body, sig[:32]), ErrInvalidSignature)
	assert.ErrorIs(Verify("s", ts, body, sig+sig), ErrInvalidSignature)
}

func TestCheckTimestampDriftWindow(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(CheckTimestamp(now.UnixMilli(), now))
	assert.NoError(CheckTimestamp(now.Add(-4*time.Minute).UnixMilli(), now))
	assert.NoError(CheckTimestamp(now.Add(4*time.Minute).UnixMilli(), now))
	assert.NoError(CheckTimestamp(now.Add(-MaxTimeDrift).UnixMilli(), now))

	// 400 seconds old: rejected regardless of signature validity
	assert.ErrorIs(CheckTimestamp(now.Add(-400*time.Second).UnixMilli(), now), ErrStaleTimestamp)
	assert.ErrorIs(CheckTimestamp(now.Add(400*time.Second).UnixMilli(), now), ErrStaleTimestamp)
}

func TestParseTimestamp(t *testing.T) {
	v, err := ParseTimestamp(" 1700000000000 ")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), v)

	_, err = ParseTimestamp("not-a-number")
	require.Error(t, err)

	_, err = ParseTimestamp("")
	require.Error(t, err)
}
