// Package reqsig implements the signed-request scheme used between federated
// instances: an HMAC-SHA256 hex digest over the byte string
// "{timestamp}.{rawBody}", keyed with the capability token of the specific
// peer relationship, plus a clock-drift bound on the caller's timestamp.
//
// There is no nonce store. The drift window is the sole replay defense: a
// captured request replayed with a valid signature inside the window is not
// detected.
package reqsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header names carried on signed requests.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// MaxTimeDrift bounds how far a request timestamp may sit from local time,
// in either direction.
const MaxTimeDrift = 5 * time.Minute

var (
	ErrStaleTimestamp   = errors.New("timestamp outside allowed drift window")
	ErrInvalidSignature = errors.New("invalid signature")
)

func digest(secret string, timestamp int64, rawBody []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return mac.Sum(nil)
}

// Sign computes the hex signature for a request. The timestamp is milliseconds
// since epoch; the secret is the peer relationship's invite token or token
// hint, never a process-wide key.
func Sign(secret string, timestamp int64, rawBody []byte) string {
	return hex.EncodeToString(digest(secret, timestamp, rawBody))
}

// Verify recomputes the digest and compares in constant time. Anything
// ambiguous about the candidate (non-hex, length mismatch) is a mismatch;
// mismatched lengths are rejected without a byte-wise comparison.
func Verify(secret string, timestamp int64, rawBody []byte, candidateHex string) error {
	candidate, err := hex.DecodeString(candidateHex)
	if err != nil {
		return ErrInvalidSignature
	}
	want := digest(secret, timestamp, rawBody)
	if len(candidate) != len(want) {
		return ErrInvalidSignature
	}
	if !hmac.Equal(candidate, want) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseTimestamp parses an X-Timestamp header value (milliseconds since
// epoch).
func ParseTimestamp(raw string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

// CheckTimestamp rejects timestamps further than MaxTimeDrift from now.
// Staleness is reported distinctly from signature failure so callers can
// surface the right error kind; it is checked before any signature work.
func CheckTimestamp(timestamp int64, now time.Time) error {
	drift := now.UnixMilli() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxTimeDrift.Milliseconds() {
		return ErrStaleTimestamp
	}
	return nil
}
