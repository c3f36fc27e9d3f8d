// SPDX-License-Identifier: MIT

package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"github.com/waitline/waitline/internal/queue"
)

// WebPushConfig carries the VAPID key pair and contact subject.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	// SendsPerSecond paces outbound deliveries; 0 uses the default of 20.
	SendsPerSecond int
}

// WebPushSender delivers payloads over the Web Push protocol with VAPID
// authentication. Deliveries are paced by a token bucket so a large queue
// cannot stampede the push services.
type WebPushSender struct {
	opts    webpush.Options
	limiter *rate.Limiter
}

// NewWebPushSender validates the config and builds a sender.
func NewWebPushSender(cfg WebPushConfig) (*WebPushSender, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("push: VAPID key pair is required")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "mailto:admin@localhost"
	}
	rps := cfg.SendsPerSecond
	if rps <= 0 {
		rps = 20
	}
	return &WebPushSender{
		opts: webpush.Options{
			HTTPClient:      &http.Client{Timeout: sendTimeout},
			Subscriber:      subject,
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			TTL:             int(queue.CallWindow / time.Second),
			Urgency:         webpush.UrgencyHigh,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub queue.PushSubscription, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}
	opts := s.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &opts)
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push: service returned %d", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*WebPushSender)(nil)
