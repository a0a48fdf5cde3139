package assignment

import (
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"
	"trustwork/services/principal"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
	guard   *principal.Guard
}

func NewHandler(s *Service, g *principal.Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/assignments")
	g.GET("", principal.With(h.guard.Optional(), h.list)...)
	g.GET("/:id", principal.With(h.guard.Optional(), h.get)...)
	g.POST("", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.create)...)
	g.PATCH("/:id", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.update)...)
	g.POST("/:id/publish", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.publish)...)
	g.POST("/:id/close", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.close)...)
	g.POST("/:id/cancel", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.cancel)...)
	g.POST("/:id/approve-completion", principal.With(h.guard.Require(principal.ObjAssignment, principal.ActWrite), h.approveCompletion)...)
	g.POST("/:id/complete", principal.With(h.guard.Authenticated(), h.markComplete)...)
	g.GET("/:id/history", principal.With(h.guard.Authenticated(), h.history)...)
}

func (h *Handler) list(c *gin.Context) {
	var f Filter
	if err := httpapi.BindQuery(c, &f); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.List(c.Request.Context(), principal.FromGin(c), f)
	httpapi.OK(c, out, err)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Create(c.Request.Context(), principal.FromGin(c), req)
	httpapi.Created(c, out, err)
}

func (h *Handler) update(c *gin.Context) {
	var req UpdateRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Update(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) publish(c *gin.Context) {
	out, err := h.service.Publish(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) close(c *gin.Context) {
	out, err := h.service.Close(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) cancel(c *gin.Context) {
	var req CancelRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Cancel(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Reason)
	httpapi.OK(c, out, err)
}

func (h *Handler) markComplete(c *gin.Context) {
	out, err := h.service.MarkComplete(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) approveCompletion(c *gin.Context) {
	out, err := h.service.ApproveCompletion(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) history(c *gin.Context) {
	ctx := c.Request.Context()
	caller := principal.FromGin(c)
	a, err := h.service.Find(ctx, c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if err := RequireParticipant(caller, a); err != nil {
		middleware.Abort(c, err)
		return
	}
	rows, err := h.service.History(ctx, a.ID)
	httpapi.OK(c, gin.H{"data": rows}, err)
}
