package milestone

import (
	"trustwork/pkg/errutil"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"
	"trustwork/services/principal"

	"github.com/gin-gonic/gin"
)

const maxUploadSize = 50 << 20

type Handler struct {
	service *Service
	guard   *principal.Guard
}

func NewHandler(s *Service, g *principal.Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	read := h.guard.Require(principal.ObjMilestone, principal.ActRead)
	write := h.guard.Require(principal.ObjMilestone, principal.ActWrite)

	r.POST("/gigs/:id/milestones", principal.With(write, h.createBatch)...)
	r.GET("/gigs/:id/milestones", principal.With(read, h.list)...)
	r.GET("/gigs/:id/milestones/progress", principal.With(read, h.progress)...)

	m := r.Group("/milestones/:id")
	m.POST("/start", principal.With(write, h.start)...)
	m.POST("/submit", principal.With(write, h.submit)...)
	m.POST("/approve", principal.With(write, h.approve)...)
	m.POST("/reject", principal.With(write, h.reject)...)
	m.POST("/request-revision", principal.With(write, h.requestRevision)...)
	m.POST("/status", principal.With(write, h.updateStatus)...)
	m.POST("/deliverables", principal.With(write, h.addDeliverable)...)
}

func (h *Handler) createBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.CreateBatch(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.Created(c, out, err)
}

func (h *Handler) list(c *gin.Context) {
	out, err := h.service.List(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) progress(c *gin.Context) {
	out, err := h.service.Progress(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) start(c *gin.Context) {
	out, err := h.service.Start(c.Request.Context(), principal.FromGin(c), c.Param("id"))
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

func (h *Handler) review(c *gin.Context) (ReviewRequest, bool) {
	var req ReviewRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return req, false
	}
	return req, true
}

func (h *Handler) approve(c *gin.Context) {
	req, ok := h.review(c)
	if !ok {
		return
	}
	out, err := h.service.Approve(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Notes)
	httpapi.OK(c, out, err)
}

func (h *Handler) reject(c *gin.Context) {
	req, ok := h.review(c)
	if !ok {
		return
	}
	out, err := h.service.Reject(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Notes)
	httpapi.OK(c, out, err)
}

func (h *Handler) requestRevision(c *gin.Context) {
	req, ok := h.review(c)
	if !ok {
		return
	}
	out, err := h.service.RequestRevision(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Notes)
	httpapi.OK(c, out, err)
}

func (h *Handler) updateStatus(c *gin.Context) {
	var req StatusRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.UpdateStatus(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) addDeliverable(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		middleware.Abort(c, errutil.ValidationFailed("file is required", err, errutil.Field("file", "is required")))
		return
	}
	if fh.Size > maxUploadSize {
		middleware.Abort(c, errutil.ValidationFailed("file too large", nil, errutil.Field("file", "must be at most 50MB")))
		return
	}
	f, err := fh.Open()
	if err != nil {
		middleware.Abort(c, errutil.Internal("failed to read upload", err))
		return
	}
	defer f.Close()

	out, err := h.service.AddDeliverable(c.Request.Context(), principal.FromGin(c), c.Param("id"), fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	httpapi.Created(c, out, err)
}
