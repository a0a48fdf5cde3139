package review

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
	read := h.guard.Require(principal.ObjReview, principal.ActRead)
	write := h.guard.Require(principal.ObjReview, principal.ActWrite)

	r.GET("/applications/:id/review-eligibility", principal.With(read, h.canReview)...)
	r.POST("/applications/:id/reviews", principal.With(write, h.submit)...)
	r.GET("/users/:id/reviews", principal.With(h.guard.Optional(), h.forUser)...)
	r.GET("/assignments/:id/reviews", principal.With(h.guard.Optional(), h.forAssignment)...)

	g := r.Group("/reviews")
	g.PATCH("/:id", principal.With(write, h.update)...)
	g.POST("/:id/flag", principal.With(h.guard.Authenticated(), h.flag)...)
	g.POST("/:id/helpful", principal.With(h.guard.Authenticated(), h.helpful)...)
	g.POST("/:id/moderate", principal.With(h.guard.Require(principal.ObjReview, principal.ActModerate), h.moderate)...)
}

func (h *Handler) canReview(c *gin.Context) {
	out, err := h.service.CanReview(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) submit(c *gin.Context) {
	var req SubmitRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Submit(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
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

func (h *Handler) flag(c *gin.Context) {
	var req FlagRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Flag(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Reason)
	httpapi.OK(c, out, err)
}

func (h *Handler) helpful(c *gin.Context) {
	out, err := h.service.MarkHelpful(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) moderate(c *gin.Context) {
	var req ModerateRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Moderate(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Status)
	httpapi.OK(c, out, err)
}

func (h *Handler) forUser(c *gin.Context) {
	out, err := h.service.GetForUser(c.Request.Context(), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) forAssignment(c *gin.Context) {
	rows, err := h.service.GetForAssignment(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, gin.H{"data": rows}, err)
}
