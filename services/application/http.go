package application

import (
	"trustwork/pkg/errutil"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"
	"trustwork/services/principal"

	"github.com/gin-gonic/gin"
)

const maxUploadSize = 20 << 20

type Handler struct {
	service *Service
	guard   *principal.Guard
}

func NewHandler(s *Service, g *principal.Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	read := h.guard.Require(principal.ObjApplication, principal.ActRead)
	write := h.guard.Require(principal.ObjApplication, principal.ActWrite)
	moderate := h.guard.Require(principal.ObjApplication, principal.ActModerate)

	r.POST("/assignments/:id/applications", principal.With(write, h.submit)...)
	r.GET("/assignments/:id/applications", principal.With(moderate, h.listForAssignment)...)
	r.GET("/assignments/:id/applications/stats", principal.With(moderate, h.stats)...)
	r.GET("/me/applications", principal.With(read, h.listMine)...)
	r.GET("/me/applications/stats", principal.With(read, h.statsMine)...)
	r.GET("/applications/:id", principal.With(read, h.get)...)
	r.POST("/applications/:id/withdraw", principal.With(write, h.withdraw)...)
	r.POST("/applications/:id/status", principal.With(moderate, h.setStatus)...)
	r.POST("/applications/:id/viewed", principal.With(moderate, h.markViewed)...)
	r.POST("/applications/:id/attachments", principal.With(write, h.addAttachment)...)
	r.POST("/resumes", principal.With(write, h.uploadResume)...)
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

func (h *Handler) listForAssignment(c *gin.Context) {
	var f Filter
	if err := httpapi.BindQuery(c, &f); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.ListForAssignment(c.Request.Context(), principal.FromGin(c), c.Param("id"), f)
	httpapi.OK(c, out, err)
}

func (h *Handler) stats(c *gin.Context) {
	out, err := h.service.Stats(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) listMine(c *gin.Context) {
	var f Filter
	if err := httpapi.BindQuery(c, &f); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.ListMine(c.Request.Context(), principal.FromGin(c), f)
	httpapi.OK(c, out, err)
}

func (h *Handler) statsMine(c *gin.Context) {
	out, err := h.service.StatsMine(c.Request.Context(), principal.FromGin(c))
	httpapi.OK(c, out, err)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) withdraw(c *gin.Context) {
	var req WithdrawRequest
	if c.Request.ContentLength > 0 {
		if err := httpapi.BindJSON(c, &req); err != nil {
			middleware.Abort(c, err)
			return
		}
	}
	out, err := h.service.Withdraw(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Reason)
	httpapi.OK(c, out, err)
}

func (h *Handler) setStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.SetStatus(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Status, req.Message)
	httpapi.OK(c, out, err)
}

func (h *Handler) markViewed(c *gin.Context) {
	out, err := h.service.MarkViewed(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) addAttachment(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		middleware.Abort(c, errutil.ValidationFailed("file is required", err, errutil.Field("file", "is required")))
		return
	}
	if fh.Size > maxUploadSize {
		middleware.Abort(c, errutil.ValidationFailed("file too large", nil, errutil.Field("file", "must be at most 20MB")))
		return
	}
	f, err := fh.Open()
	if err != nil {
		middleware.Abort(c, errutil.Internal("failed to read upload", err))
		return
	}
	defer f.Close()

	out, err := h.service.AddAttachment(c.Request.Context(), principal.FromGin(c), c.Param("id"), fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	httpapi.Created(c, out, err)
}

func (h *Handler) uploadResume(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		middleware.Abort(c, errutil.ValidationFailed("file is required", err, errutil.Field("file", "is required")))
		return
	}
	if fh.Size > maxUploadSize {
		middleware.Abort(c, errutil.ValidationFailed("file too large", nil, errutil.Field("file", "must be at most 20MB")))
		return
	}
	f, err := fh.Open()
	if err != nil {
		middleware.Abort(c, errutil.Internal("failed to read upload", err))
		return
	}
	defer f.Close()

	out, err := h.service.UploadResume(c.Request.Context(), principal.FromGin(c), fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	httpapi.Created(c, out, err)
}
