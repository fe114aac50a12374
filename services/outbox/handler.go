package outbox

import (
	"net/http"

	"bountypay/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type OpsHandler struct {
	store *Store
}

func NewOpsHandler(store *Store) *OpsHandler {
	return &OpsHandler{store: store}
}

func (h *OpsHandler) Register(r gin.IRouter) {
	ops := r.Group("/v1/ops/outbox")
	ops.GET("", h.list)
	ops.GET("/:id", h.get)
}

type listQuery struct {
	Status      string `form:"status"`
	AggregateID string `form:"aggregate_id"`
}

func (h *OpsHandler) list(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	var p ListParams
	if err := c.ShouldBindQuery(&p.Pagination); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}
	p.Status = Status(q.Status)
	p.AggregateID = q.AggregateID

	events, info, err := h.store.List(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "page_info": info})
}

func (h *OpsHandler) get(c *gin.Context) {
	ev, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
