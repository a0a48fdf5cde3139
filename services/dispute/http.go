package dispute

import (
	"trustwork/pkg/errutil"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"
	"trustwork/services/principal"

	"github.com/gin-gonic/gin"
)

const maxEvidenceSize = 25 << 20

type Handler struct {
	service *Service
	guard   *principal.Guard
}

func NewHandler(s *Service, g *principal.Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	read := h.guard.Require(principal.ObjDispute, principal.ActRead)
	write := h.guard.Require(principal.ObjDispute, principal.ActWrite)
	moderate := h.guard.Require(principal.ObjDispute, principal.ActModerate)

	r.POST("/assignments/:id/disputes", principal.With(write, h.open)...)
	r.GET("/assignments/:id/disputes", principal.With(read, h.listForAssignment)...)

	g := r.Group("/disputes")
	g.GET("/:id", principal.With(read, h.get)...)
	g.POST("/:id/respond", principal.With(write, h.respond)...)
	g.POST("/:id/evidence", principal.With(write, h.evidence)...)
	g.POST("/:id/evidence/files", principal.With(write, h.evidenceFile)...)
	g.POST("/:id/resolve", principal.With(write, h.resolve)...)
	g.POST("/:id/request-info", principal.With(moderate, h.requestInfo)...)
	g.POST("/:id/escalate", principal.With(moderate, h.escalate)...)
	g.POST("/:id/close", principal.With(moderate, h.close)...)
}

func (h *Handler) open(c *gin.Context) {
	var req OpenRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Open(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.Created(c, out, err)
}

func (h *Handler) listForAssignment(c *gin.Context) {
	rows, err := h.service.ListForAssignment(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, gin.H{"data": rows}, err)
}

func (h *Handler) get(c *gin.Context) {
	out, err := h.service.Get(c.Request.Context(), principal.FromGin(c), c.Param("id"))
	httpapi.OK(c, out, err)
}

func (h *Handler) respond(c *gin.Context) {
	var req EvidenceRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Respond(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) evidence(c *gin.Context) {
	var req EvidenceRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.AddEvidence(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) evidenceFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		middleware.Abort(c, errutil.ValidationFailed("file is required", err, errutil.Field("file", "is required")))
		return
	}
	if fh.Size > maxEvidenceSize {
		middleware.Abort(c, errutil.ValidationFailed("file too large", nil, errutil.Field("file", "must be at most 25MB")))
		return
	}
	f, err := fh.Open()
	if err != nil {
		middleware.Abort(c, errutil.Internal("failed to read upload", err))
		return
	}
	defer f.Close()

	out, err := h.service.AddEvidenceFile(c.Request.Context(), principal.FromGin(c), c.Param("id"), fh.Filename, f, fh.Size, fh.Header.Get("Content-Type"))
	httpapi.Created(c, out, err)
}

func (h *Handler) resolve(c *gin.Context) {
	var req ResolveRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.Resolve(c.Request.Context(), principal.FromGin(c), c.Param("id"), req)
	httpapi.OK(c, out, err)
}

func (h *Handler) requestInfo(c *gin.Context) {
	var req NotesRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	out, err := h.service.RequestInfo(c.Request.Context(), principal.FromGin(c), c.Param("id"), req.Notes)
	httpapi.OK(c, out, err)
}

// optionalNotes reads {"notes": "..."} when a body is present.
func optionalNotes(c *gin.Context) (string, bool) {
	if c.Request.ContentLength == 0 {
		return "", true
	}
	var req EvidenceRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return "", false
	}
	return req.Notes, true
}

func (h *Handler) escalate(c *gin.Context) {
	notes, ok := optionalNotes(c)
	if !ok {
		return
	}
	out, err := h.service.Escalate(c.Request.Context(), principal.FromGin(c), c.Param("id"), notes)
	httpapi.OK(c, out, err)
}

func (h *Handler) close(c *gin.Context) {
	notes, ok := optionalNotes(c)
	if !ok {
		return
	}
	out, err := h.service.Close(c.Request.Context(), principal.FromGin(c), c.Param("id"), notes)
	httpapi.OK(c, out, err)
}
