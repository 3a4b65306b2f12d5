// Package notify implements the NOTIFY stage's callback dispatch
// (spec.md §4.D step 5, §9 "Callback URL"): a best-effort, at-most-once
// HTTP POST, failures logged only, deliberately with no retry queue —
// the teacher's message-queue retry machinery
// (internal/judge/service/pool_retry.go, internal/common/mq) does not
// apply here and was dropped rather than bent to fit (see DESIGN.md).
// Optional payload signing is grounded on the teacher's JWT usage
// (internal/gateway/auth_token.go) repurposed from session auth to
// callback-origin verification.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tango/internal/common/logger"
	"tango/internal/core/job"
)

// Config controls the notifier's worker pool and optional signing.
type Config struct {
	Workers       int
	Timeout       time.Duration
	SignCallbacks bool
	SigningKey    string
}

// payload is the small JSON document POSTed to the notify URL.
type payload struct {
	ID     job.ID           `json:"id"`
	Status string            `json:"status"`
	Trace  []job.TraceEntry `json:"trace"`
}

// Notifier dispatches callbacks on a bounded pool of goroutines so a slow
// or hanging endpoint can never block a worker past Notify's call.
type Notifier struct {
	cfg    Config
	client *http.Client
	sem    chan struct{}
}

// New creates a Notifier. A zero Workers defaults to 4.
func New(cfg Config) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    make(chan struct{}, cfg.Workers),
	}
}

// Notify fires the callback for j asynchronously and returns immediately;
// the call never blocks the worker and never surfaces an error (spec.md
// §4.D.5 "network failure here is logged but not fatal").
func (n *Notifier) Notify(ctx context.Context, j *job.Job) {
	if j.NotifyURL == "" {
		return
	}
	body, err := json.Marshal(payload{ID: j.ID, Status: j.State.String(), Trace: j.Trace})
	if err != nil {
		logger.Error(ctx, "notify marshal failed", zap.Int64("job", int64(j.ID)), zap.Error(err))
		return
	}
	url := j.NotifyURL
	go n.deliver(context.Background(), j.ID, url, body)
}

func (n *Notifier) deliver(ctx context.Context, id job.ID, url string, body []byte) {
	select {
	case n.sem <- struct{}{}:
		defer func() { <-n.sem }()
	default:
		// pool saturated: drop rather than queue, per "no retry queue"
		logger.Warn(ctx, "notify dropped, pool saturated", zap.Int64("job", int64(id)))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Warn(ctx, "notify build request failed", zap.Int64("job", int64(id)), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.SignCallbacks {
		sig, err := n.sign(body)
		if err != nil {
			logger.Warn(ctx, "notify sign failed", zap.Int64("job", int64(id)), zap.Error(err))
		} else {
			req.Header.Set("X-Tango-Signature", sig)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn(ctx, "notify delivery failed", zap.Int64("job", int64(id)), zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn(ctx, "notify non-2xx response", zap.Int64("job", int64(id)), zap.Int("status", resp.StatusCode))
	}
}

// sign produces a compact JWT whose claim carries the body's SHA-256
// digest, letting a receiver verify the POST actually originated from
// this broker instance without round-tripping the whole payload through
// the token.
func (n *Notifier) sign(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iat":      time.Now().Unix(),
		"body_sha": hex.EncodeToString(sum[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(n.cfg.SigningKey))
}
