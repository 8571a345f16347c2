// Package peering talks to remote instances: probing and classifying their
// public summary endpoint, aggregating stats across known peers, and running
// the verify/revoke legs of the trust handshake.
package peering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jibun-social/jibun/models"
	"github.com/jibun-social/jibun/reqsig"
)

var (
	// ErrPeerUnreachable covers transport failures and timeouts on outbound
	// calls. Callers surface it; nothing here retries.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrRevokeRejected means the peer answered the revoke handshake with a
	// failure envelope.
	ErrRevokeRejected = errors.New("peer rejected revoke")

	// ErrVerifyRejected means the peer's /api/connect/verify did not accept
	// the proffered token.
	ErrVerifyRejected = errors.New("peer rejected verification")
)

const (
	callTimeout      = 5 * time.Second
	aggregateTimeout = 3 * time.Second
)

// envelope is the {code, msg, data} response wrapper every instance speaks.
// Callers branch on Code, never on transport status alone.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	http       *http.Client
	classifier Classifier
	log        *slog.Logger
}

func NewClient(classifier Classifier) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = callTimeout
	return &Client{
		http:       hc,
		classifier: classifier,
		log:        slog.Default().With("system", "peering"),
	}
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, headers map[string]string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, url)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding response from %s", ErrPeerUnreachable, url)
	}
	return &env, nil
}

// FetchSummary retrieves a peer's public summary document.
func (c *Client) FetchSummary(ctx context.Context, peerURL string) (*Summary, error) {
	url := BaseURL(peerURL) + "/api/connect"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrPeerUnreachable, url, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding summary from %s", ErrPeerUnreachable, url)
	}
	if env.Code != 1 {
		return nil, fmt.Errorf("%w: %s answered %q", ErrPeerUnreachable, url, env.Msg)
	}

	var sum Summary
	if err := json.Unmarshal(env.Data, &sum); err != nil {
		return nil, fmt.Errorf("%w: bad summary shape from %s", ErrPeerUnreachable, url)
	}
	return &sum, nil
}

// Classify probes a peer and maps its summary shape to an instance type. The
// probe is advisory: any failure, timeout, or unrecognized shape is UNKNOWN,
// never an error.
func (c *Client) Classify(ctx context.Context, peerURL string) models.InstanceType {
	probesPerformed.Inc()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sum, err := c.FetchSummary(ctx, peerURL)
	if err != nil {
		c.log.Info("probe failed", "url", peerURL, "err", err)
		probesUnknown.Inc()
		return models.InstanceUnknown
	}

	instanceType := c.classifier.Classify(sum)
	if instanceType == models.InstanceUnknown {
		probesUnknown.Inc()
	}
	return instanceType
}

// Verify calls the peer's /api/connect/verify endpoint, proving that the
// proffered token matches a live invite over there for our URL.
func (c *Client) Verify(ctx context.Context, peerURL, selfURL, token string) error {
	body, err := json.Marshal(map[string]string{
		"server_url": selfURL,
		"token":      token,
	})
	if err != nil {
		return err
	}

	env, err := c.postJSON(ctx, BaseURL(peerURL)+"/api/connect/verify", body, nil)
	if err != nil {
		return err
	}
	if env.Code != 1 {
		return ErrVerifyRejected
	}
	return nil
}

// Revoke runs the signed revoke handshake against a peer, asking it to drop
// its inbound record of this server. The connect's invite token acts as the
// HMAC secret.
func (c *Client) Revoke(ctx context.Context, peerURL, selfURL, secret string) error {
	revokesSent.Inc()

	body, err := json.Marshal(map[string]string{"server_url": selfURL})
	if err != nil {
		return err
	}

	timestamp := time.Now().UnixMilli()
	headers := map[string]string{
		reqsig.HeaderTimestamp: fmt.Sprintf("%d", timestamp),
		reqsig.HeaderSignature: reqsig.Sign(secret, timestamp, body),
	}

	env, err := c.postJSON(ctx, BaseURL(peerURL)+"/api/connect/inbound/revoke", body, headers)
	if err != nil {
		revokesFailed.Inc()
		return err
	}
	if env.Code != 1 {
		revokesFailed.Inc()
		return fmt.Errorf("%w: %s", ErrRevokeRejected, env.Msg)
	}
	return nil
}

// AggregateInfo fans out summary fetches to all given peers, each with its own
// timeout, and returns the successful subset in input order with counts
// normalized to the native vocabulary. A peer's failure never cancels or fails
// the others.
func (c *Client) AggregateInfo(ctx context.Context, peerURLs []string) []Summary {
	results := make([]*Summary, len(peerURLs))

	var mu sync.Mutex
	var g errgroup.Group
	for i, peerURL := range peerURLs {
		g.Go(func() error {
			peerCtx, cancel := context.WithTimeout(ctx, aggregateTimeout)
			defer cancel()

			sum, err := c.FetchSummary(peerCtx, peerURL)
			if err != nil {
				c.log.Info("aggregation skipping peer", "url", peerURL, "err", err)
				aggregationMisses.Inc()
				return nil
			}

			mu.Lock()
			results[i] = sum.Normalize()
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	out := make([]Summary, 0, len(peerURLs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
