package coordinator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/dreamware/meshtree/internal/cluster"
	"github.com/dreamware/meshtree/internal/mesh"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	// JoinLimiter throttles POST /v1/join. nil disables throttling.
	JoinLimiter *rate.Limiter

	// ServiceName labels request spans.
	ServiceName string
}

// NewRouter builds the coordinator HTTP API on top of svc.
//
// Endpoints:
//
//	POST   /v1/join              - Place a worker in the mesh
//	GET    /v1/nodes             - List members
//	GET    /v1/nodes/:id         - Member record
//	GET    /v1/nodes/:id/route   - Upstream and downstreams of a member
//	DELETE /v1/nodes/:id         - Leave the mesh
//	POST   /v1/nodes/:id/remap   - Move a member below another
//	GET    /v1/topology          - Tree snapshot
//	GET    /health               - Liveness
//	GET    /metrics              - Prometheus metrics
func NewRouter(svc *Service, opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "meshtree-coordinator"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "members": svc.Organizer().FlatSize()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{svc: svc}
	v1 := router.Group("/v1")
	{
		v1.POST("/join", rateLimit(opts.JoinLimiter), h.join)
		v1.GET("/nodes", h.listNodes)
		v1.GET("/nodes/:id", h.getNode)
		v1.GET("/nodes/:id/route", h.route)
		v1.DELETE("/nodes/:id", h.leave)
		v1.POST("/nodes/:id/remap", h.remap)
		v1.GET("/topology", h.topology)
	}
	return router
}

type handlers struct {
	svc *Service
}

func (h *handlers) join(c *gin.Context) {
	var req cluster.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	resp, err := h.svc.Join(c.Request.Context(), req.Node)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Nodes())
}

func (h *handlers) getNode(c *gin.Context) {
	member, err := h.svc.Member(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *handlers) route(c *gin.Context) {
	resp, err := h.svc.Route(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.svc.Leave(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) remap(c *gin.Context) {
	var req cluster.RemapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	resp, err := h.svc.Remap(c.Request.Context(), c.Param("id"), req.Upstream)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) topology(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Topology())
}

// rateLimit rejects requests with 429 once the limiter runs dry.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, cluster.ErrorResponse{Error: "join rate exceeded"})
			return
		}
		c.Next()
	}
}

// StatusOf maps service and mesh errors onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, mesh.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, mesh.ErrCycle),
		errors.Is(err, mesh.ErrNoCapacity),
		errors.Is(err, mesh.ErrDepthExceeded):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrMeshFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrInvalidNode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusOf(err), cluster.ErrorResponse{Error: err.Error()})
}
