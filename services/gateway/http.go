package gateway

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"bountypay/pkg/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const IdempotencyHeader = "Idempotency-Key"

type HTTPClient struct {
	rest    *resty.Client
	timeout time.Duration
}

type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if opts.APIKey != "" {
		rest.SetAuthToken(opts.APIKey)
	}

	return &HTTPClient{rest: rest, timeout: opts.Timeout}
}

type holdRequest struct {
	Amount int64 `json:"amount"`
}

type captureRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
}

type referenceResponse struct {
	Reference string `json:"reference"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) CreateHold(ctx context.Context, amount int64, key string) (string, error) {
	return c.post(ctx, "create_hold", "/v1/holds", holdRequest{Amount: amount}, key)
}

func (c *HTTPClient) CaptureAndTransfer(ctx context.Context, holdRef, destination string, payout, fee int64, key string) (string, error) {
	path := "/v1/holds/" + url.PathEscape(holdRef) + "/capture"
	return c.post(ctx, "capture", path, captureRequest{Destination: destination, Amount: payout, Fee: fee}, key)
}

func (c *HTTPClient) Refund(ctx context.Context, holdRef, key string) (string, error) {
	path := "/v1/holds/" + url.PathEscape(holdRef) + "/refund"
	return c.post(ctx, "refund", path, struct{}{}, key)
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body any, key string) (ref string, err error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(op, outcome(err)).Inc()
	}()

	log := logger.FromContext(ctx).With(zap.String("op", op), zap.String("idempotency_key", key))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		out     referenceResponse
		errBody errorResponse
	)
	resp, rerr := c.rest.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, key).
		SetBody(body).
		SetResult(&out).
		SetError(&errBody).
		Post(path)
	// A body that fails to decode still carries a status worth classifying.
	if rerr != nil && (resp == nil || resp.StatusCode() == 0) {
		log.Warn("gateway request failed", zap.Error(rerr))
		return "", unavailable(op, 0, rerr)
	}

	status := resp.StatusCode()
	switch {
	case status >= 500 || status == 429 || status == 408:
		log.Warn("gateway unavailable", zap.Int("status", status))
		return "", unavailable(op, status, errors.New(strings.TrimSpace(resp.String())))
	case status >= 400:
		log.Warn("gateway rejected request", zap.Int("status", status), zap.String("code", errBody.Error.Code))
		return "", rejected(op, status, errBody.Error.Code, errBody.Error.Message)
	}

	if out.Reference == "" {
		return "", unavailable(op, status, errors.New("response without reference"))
	}

	log.Debug("gateway request succeeded", zap.String("reference", out.Reference))
	return out.Reference, nil
}
