package escrow

import (
	"strings"

	"trustwork/pkg/errutil"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"
	"trustwork/services/principal"

	"github.com/gin-gonic/gin"
)

const maxWebhookSize = 64 << 10

type Handler struct {
	service *Service
	guard   *principal.Guard
}

func NewHandler(s *Service, g *principal.Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	read := h.guard.Require(principal.ObjEscrow, principal.ActRead)
	write := h.guard.Require(principal.ObjEscrow, principal.ActWrite)

	r.POST("/assignments/:id/escrow", principal.With(write, h.create)...)
	r.GET("/escrows/:id", principal.With(read, h.get)...)
	r.GET("/escrows/:id/ledger", principal.With(read, h.entries)...)
	r.GET("/escrows/:id/verify", principal.With(read, h.verify)...)
	r.POST("/escrows/:id/release", principal.With(write, h.release)...)
	r.POST("/escrows/:id/refund", principal.With(write, h.refund)...)
	r.POST("/webhooks/payments", h.webhook)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Create(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.Created(c, out, err)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) entries(c *gin.Context) {
	out, err := h.service.Entries(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) verify(c *gin.Context) {
	out, err := h.service.VerifyChain(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) release(c *gin.Context) {
	out, err := h.service.ReleaseFull(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) refund(c *gin.Context) {
	var req RefundRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Refund(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Reason)
	httpapi.OK(c, out, err)
}

// webhook takes the compact JWS as the raw request body.
func (h *Handler) webhook(c *gin.Context) {
	if c.Request.ContentLength > maxWebhookSize {
		middleware.Abort(c, errutil.Integrity("webhook payload too large", nil))
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		middleware.Abort(c, errutil.Integrity("unreadable webhook body", err))
		return
	}
	out, err := h.service.HandleWebhook(c.Request.Context(), strings.TrimSpace(string(raw)))
	httpapi.OK(c, out, err)
}
