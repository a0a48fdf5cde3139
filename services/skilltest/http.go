package skilltest

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
	read := h.guard.Require(principal.ObjSkillTest, principal.ActRead)
	write := h.guard.Require(principal.ObjSkillTest, principal.ActWrite)

	r.GET("/assignments/:id/skill-test/eligibility", principal.With(write, h.eligibility)...)
	r.GET("/assignments/:id/skill-test/attempts", principal.With(read, h.listForAssignment)...)
	r.POST("/skill-tests/attempts", principal.With(write, h.start)...)
	r.GET("/skill-tests/attempts/:id", principal.With(write, h.get)...)
	r.PUT("/skill-tests/attempts/:id/answers", principal.With(write, h.saveAnswers)...)
	r.POST("/skill-tests/attempts/:id/submit", principal.With(write, h.submit)...)
	r.GET("/skill-tests/attempts/:id/review", principal.With(read, h.review)...)
}

func (h *Handler) eligibility(c *gin.Context) {
	out, err := h.service.CanAttempt(c.Request.Context(), principal.FromGin(c).Subject(), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) listForAssignment(c *gin.Context) {
	out, err := h.service.ListForAssignment(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, gin.H{"data": out}, err)
}

func (h *Handler) start(c *gin.Context) {
	var req StartRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Start(c.Request.Context(), principal.FromGin(c), req)
	httpapi.Created(c, out, err)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) saveAnswers(c *gin.Context) {
	var req AnswersRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.SaveAnswers(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Answers)
	httpapi.OK(c, out, err)
}

func (h *Handler) submit(c *gin.Context) {
	var req SubmitRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Submit(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) review(c *gin.Context) {
	out, err := h.service.Review(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}
