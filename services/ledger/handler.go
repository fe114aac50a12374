package ledger

import (
	"net/http"

	"bountypay/pkg/config"
	"bountypay/pkg/db/pagination"
	"bountypay/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc            *Service
	platformUserID string
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, platformUserID: cfg.Escrow.PlatformUserID}
}

func (h *Handler) Register(r gin.IRouter) {
	w := r.Group("/v1/wallets/:user_id")
	w.GET("/balance", h.balance)
	w.GET("/transactions", h.transactions)
	w.GET("/verify", h.verify)
	w.POST("/reconcile", h.reconcile)
	w.POST("/deposits", h.deposit)
	w.POST("/withdrawals", h.withdraw)

	r.GET("/v1/platform/fees", h.platformFees)
}

func (h *Handler) balance(c *gin.Context) {
	userID := c.Param("user_id")
	balance, err := h.svc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (h *Handler) transactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	entries, info, err := h.svc.ListTransactions(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": info})
}

func (h *Handler) verify(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) reconcile(c *gin.Context) {
	res, err := h.svc.Reconcile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type depositRequest struct {
	Amount            int64  `json:"amount" binding:"required,gt=0"`
	ExternalReference string `json:"external_reference" binding:"required"`
}

func (h *Handler) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid deposit", err))
		return
	}

	entry, err := h.svc.Deposit(c.Request.Context(), DepositParams{
		UserID:      c.Param("user_id"),
		Amount:      req.Amount,
		ExternalRef: req.ExternalReference,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type withdrawRequest struct {
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	DestinationLast4 string `json:"destination_last4" binding:"required,len=4"`
}

func (h *Handler) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid withdrawal", err))
		return
	}

	entry, err := h.svc.Withdraw(c.Request.Context(), WithdrawParams{
		UserID:           c.Param("user_id"),
		Amount:           req.Amount,
		DestinationLast4: req.DestinationLast4,
		IdempotencyKey:   c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) platformFees(c *gin.Context) {
	total, err := h.svc.PlatformFees(c.Request.Context(), h.platformUserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": h.platformUserID, "total": total})
}
