package escrow

import (
	"context"
	"net/http"
	"strconv"

	"bountypay/pkg/errutil"
	"bountypay/services/idempotency"

	"github.com/gin-gonic/gin"
)

const IdempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	svc   *Service
	guard *idempotency.Guard
}

func NewHTTPHandler(svc *Service, guard *idempotency.Guard) *HTTPHandler {
	return &HTTPHandler{svc: svc, guard: guard}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	b := r.Group("/v1/bounties")
	b.POST("", h.post)
	b.GET("", h.list)
	b.GET("/:id", h.get)
	b.POST("/:id/accept", h.accept)
	b.POST("/:id/complete", h.complete)
	b.POST("/:id/cancel", h.cancel)

	r.POST("/v1/ops/outbox/:id/retry-refund", h.retryRefund)
}

// guarded runs fn through the idempotency guard when the client sent an
// Idempotency-Key header.
func guarded[T any](c *gin.Context, g *idempotency.Guard, op string, fingerprint []string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx := c.Request.Context()
	clientKey := c.GetHeader(IdempotencyHeader)
	if clientKey == "" {
		return fn(ctx)
	}

	key := idempotency.DeriveKey("http", op, clientKey)
	return idempotency.WithIdempotency(ctx, g, key, fn,
		idempotency.WithFingerprint(idempotency.Fingerprint(fingerprint...)))
}

func (h *HTTPHandler) post(c *gin.Context) {
	var req PostParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid bounty", err))
		return
	}

	b, err := guarded(c, h.guard, "post_bounty", []string{req.PosterID, strconv.FormatInt(req.Amount, 10)},
		func(ctx context.Context) (*Bounty, error) { return h.svc.Post(ctx, req) })
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *HTTPHandler) list(c *gin.Context) {
	var p ListParams
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}

	bounties, info, err := h.svc.List(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": bounties, "page_info": info})
}

func (h *HTTPHandler) get(c *gin.Context) {
	b, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type acceptRequest struct {
	HunterID string `json:"hunter_id" binding:"required"`
}

func (h *HTTPHandler) accept(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid accept request", err))
		return
	}

	id := c.Param("id")
	b, err := guarded(c, h.guard, "accept_bounty", []string{id, req.HunterID},
		func(ctx context.Context) (*Bounty, error) { return h.svc.Accept(ctx, id, req.HunterID) })
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *HTTPHandler) complete(c *gin.Context) {
	id := c.Param("id")
	b, err := guarded(c, h.guard, "complete_bounty", []string{id},
		func(ctx context.Context) (*Bounty, error) { return h.svc.Complete(ctx, id) })
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, b)
}

func (h *HTTPHandler) cancel(c *gin.Context) {
	id := c.Param("id")
	b, err := guarded(c, h.guard, "cancel_bounty", []string{id},
		func(ctx context.Context) (*Bounty, error) { return h.svc.Cancel(ctx, id) })
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if b.Status != StatusCancelled {
		status = http.StatusAccepted
	}
	c.JSON(status, b)
}

func (h *HTTPHandler) retryRefund(c *gin.Context) {
	ev, err := h.svc.RetryRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, ev)
}
