package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/securecookie"
	"go.uber.org/zap"
)

// SignatureHeader carries a securecookie-encoded "id|kind" so a receiver
// holding the same key can tell the event came from this watcher.
const SignatureHeader = "X-Apptwatch-Signature"

const signatureName = "apptwatch-event"

// NewSigner returns a signer for webhook events, or nil when key is empty.
func NewSigner(key []byte) *securecookie.SecureCookie {
	if len(key) == 0 {
		return nil
	}
	sc := securecookie.New(key, nil)
	sc.MaxAge(int((24 * time.Hour).Seconds()))
	return sc
}

// Verify decodes a signature header.
func Verify(sc *securecookie.SecureCookie, header string) (string, error) {
	var v string
	if err := sc.Decode(signatureName, header, &v); err != nil {
		return "", fmt.Errorf("verify signature: %w", err)
	}
	return v, nil
}

// Webhook posts events as JSON. Failures that look temporary are retried with
// exponential backoff until MaxElapsed worth of waiting has been spent.
type Webhook struct {
	URL        string
	Client     *http.Client
	Signer     *securecookie.SecureCookie
	BaseDelay  time.Duration
	MaxElapsed time.Duration
	Log        *zap.Logger

	// Clock and Timer drive the retry waits; nil uses the wall clock.
	Clock backoff.Clock
	Timer backoff.Timer
}

func NewWebhook(url string, signer *securecookie.SecureCookie, log *zap.Logger) *Webhook {
	return &Webhook{
		URL:        url,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Signer:     signer,
		BaseDelay:  500 * time.Millisecond,
		MaxElapsed: 30 * time.Second,
		Log:        log,
	}
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e.payload())
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", e.Kind, err)
	}
	var sig string
	if w.Signer != nil {
		sig, err = w.Signer.Encode(signatureName, e.ID+"|"+string(e.Kind))
		if err != nil {
			return fmt.Errorf("webhook: sign: %w", err)
		}
	}

	attempt := 0
	deliver := func() error {
		attempt++
		err := w.post(ctx, body, sig)
		var r retryable
		if err != nil && !errors.As(err, &r) {
			return backoff.Permanent(err)
		}
		return err
	}
	retrying := func(err error, wait time.Duration) {
		if w.Log != nil {
			w.Log.Debug("webhook delivery failed, retrying",
				zap.String("event", e.ID), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		}
	}
	if err := backoff.RetryNotifyWithTimer(deliver, w.backOff(ctx), retrying, w.Timer); err != nil {
		if w.Log != nil {
			w.Log.Warn("webhook delivery failed", zap.String("event", e.ID), zap.String("kind", string(e.Kind)), zap.Error(err))
		}
		return fmt.Errorf("webhook: deliver %s: %w", e.Kind, err)
	}
	return nil
}

// backOff doubles from BaseDelay without randomization.
func (w *Webhook) backOff(ctx context.Context) backoff.BackOffContext {
	clock := w.Clock
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.MaxElapsed,
		MaxElapsedTime:      w.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func (w *Webhook) post(ctx context.Context, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return retryable{err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retryable{err}
	}
	return err
}
