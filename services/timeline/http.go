package timeline

import (
	"trustwork/pkg/httpapi"
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
	r.GET("/assignments/:id/timeline", principal.With(h.guard.Authenticated(), h.get)...)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}
