// Package http implements webhook.Sender with a plain net/http POST,
// signing the body the way the teacher's deleted http_webhook.go did
// for Discord interaction callbacks: HMAC header plus a two-tier
// connect/total timeout budget, no retry logic (the engine owns
// retries).
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/meetingbots/orchestrator/internal/webhook"
)

const maxResponseBodyToRead = 64 * 1024

type Sender struct {
	client *http.Client
}

// NewSender splits the timeout budget in two: connectTimeout bounds
// establishing the TCP+TLS connection, totalTimeout bounds the whole
// round trip including a slow or stalling receiver. A receiver that
// accepts the connection and then trickles bytes would otherwise tie up
// a delivery worker indefinitely, since connectTimeout does not bound
// reading the response.
func NewSender(connectTimeout, totalTimeout time.Duration) *Sender {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Sender{client: &http.Client{Transport: transport, Timeout: totalTimeout}}
}

func (s *Sender) Send(ctx context.Context, sub webhook.Subscription, payload webhook.Payload) webhook.Result {
	body, err := payload.Marshal()
	if err != nil {
		return webhook.Result{Err: fmt.Errorf("marshal webhook payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return webhook.Result{Err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", webhook.Sign(sub.Secret, body))
	req.Header.Set("X-Webhook-Trigger", string(payload.Trigger))
	req.Header.Set("X-Webhook-Idempotency-Key", payload.IdempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return webhook.Result{Err: fmt.Errorf("deliver webhook to %s: %w", sub.URL, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyToRead))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	return webhook.Result{
		Success:      success,
		StatusCode:   resp.StatusCode,
		ResponseBody: respBody,
	}
}

var _ webhook.Sender = (*Sender)(nil)
