package principal

import (
	"trustwork/pkg/errutil"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const principalKey = "auth.principal"

// Attach resolves the authenticated subject into a Principal. Anonymous requests pass through.
func (s *Service) Attach() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := middleware.Subject(c)
		if sub == "" {
			c.Next()
			return
		}

		p, err := s.Resolve(c.Request.Context(), sub)
		if err != nil {
			middleware.Abort(c, err)
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// Require rejects callers that are anonymous or whose role may not perform act on obj.
// An empty act only requires a resolved principal.
func (s *Service) Require(obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := FromGin(c)
		if act == "" {
			if p == nil {
				middleware.Abort(c, errutil.Unauthenticated("authentication required", nil))
				return
			}
			c.Next()
			return
		}
		if err := s.Authorize(p, obj, act); err != nil {
			middleware.Abort(c, err)
			return
		}
		c.Next()
	}
}

// FromGin returns the resolved caller, nil when anonymous.
func FromGin(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// Authenticated returns the caller or an AUTHN error.
func Authenticated(c *gin.Context) (*Principal, error) {
	p := FromGin(c)
	if p == nil {
		return nil, errutil.Unauthenticated("authentication required", nil)
	}
	return p, nil
}

// Guard bundles token verification, principal resolution and role checks for route registration.
type Guard struct {
	service  *Service
	verifier middleware.TokenVerifier
}

func NewGuard(s *Service, v middleware.TokenVerifier) *Guard {
	return &Guard{service: s, verifier: v}
}

// Optional admits anonymous callers and resolves the principal when a token is present.
func (g *Guard) Optional() gin.HandlersChain {
	return gin.HandlersChain{middleware.Authenticate(g.verifier, true), g.service.Attach()}
}

// Authenticated requires a registered principal.
func (g *Guard) Authenticated() gin.HandlersChain {
	return gin.HandlersChain{middleware.Authenticate(g.verifier, false), g.service.Attach(), g.service.Require(ObjPrincipal, "")}
}

// Require requires a registered principal whose role may perform act on obj.
func (g *Guard) Require(obj, act string) gin.HandlersChain {
	return gin.HandlersChain{middleware.Authenticate(g.verifier, false), g.service.Attach(), g.service.Require(obj, act)}
}

// With appends handler to chain.
func With(chain gin.HandlersChain, handler gin.HandlerFunc) []gin.HandlerFunc {
	return append(chain[:len(chain):len(chain)], handler)
}

type Handler struct {
	service *Service
	guard   *Guard
}

func NewHandler(s *Service, g *Guard) *Handler {
	return &Handler{service: s, guard: g}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/me/register", middleware.Authenticate(h.guard.verifier, false), h.register)
	r.GET("/me", With(h.guard.Authenticated(), h.me)...)
	r.PUT("/principals/:id/role", With(h.guard.Require(ObjPrincipal, ActWrite), h.setRole)...)
}

func (h *Handler) register(c *gin.Context) {
	var req RegisterRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	p, err := h.service.Register(c.Request.Context(), middleware.Subject(c), req)
	httpapi.Created(c, p, err)
}

func (h *Handler) me(c *gin.Context) {
	p, err := Authenticated(c)
	httpapi.OK(c, p, err)
}

func (h *Handler) setRole(c *gin.Context) {
	var req SetRoleRequest
	if err := httpapi.BindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	p, err := h.service.SetRole(c.Request.Context(), FromGin(c), c.Param("id"), req.Role)
	httpapi.OK(c, p, err)
}
