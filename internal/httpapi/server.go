// Package httpapi exposes a small admin and debug HTTP surface next to
// the main line-protocol listener: health, the method table, a JSON
// query endpoint, and a server-sent-events stream of notifications.
package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/edge-robotics/knowbase/internal/kb"
	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/internal/middleware"
	"github.com/edge-robotics/knowbase/internal/ontology"
	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/gin-gonic/gin"
)

// Handler serves the admin endpoints over one facade.
type Handler struct {
	kb *kb.KnowledgeBase
}

// NewHandler builds a Handler for the facade.
func NewHandler(k *kb.KnowledgeBase) *Handler {
	return &Handler{kb: k}
}

// Router assembles the admin Gin engine with the shared middleware.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Cors())
	router.Use(middleware.RequestLogger())

	router.GET("/healthz", h.Health)
	router.GET("/methods", h.Methods)
	router.POST("/query", h.Query)
	router.GET("/events/:clientId", h.Events)

	return router
}

// Health reports liveness and the server version.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": kb.Version})
}

// Methods lists every operation the facade dispatches.
func (h *Handler) Methods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.kb.Methods()})
}

// QueryRequest is the debug query body: textual patterns, resolved the
// same way the line protocol resolves them.
type QueryRequest struct {
	Vars     []string `json:"vars" binding:"required"`
	Patterns []string `json:"patterns" binding:"required"`
	Models   []string `json:"models"`
}

// Query runs a find over the facade's query engine.
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patterns := make([]store.Pattern, 0, len(req.Patterns))
	for _, p := range req.Patterns {
		t, err := ontology.ParseStatement(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		patterns = append(patterns, t)
	}

	rows, err := h.kb.Query.Find(req.Vars, patterns, req.Models)
	if err != nil {
		status := http.StatusInternalServerError
		if kerr, ok := kberrors.As(err); ok && kerr.Kind == kberrors.Unsupported {
			status = http.StatusNotImplemented
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = [][]string{}
	}
	c.JSON(http.StatusOK, gin.H{"results": rows})
}

// Events streams the client's notification mailbox as server-sent
// events until the client goes away.
func (h *Handler) Events(c *gin.Context) {
	clientID := c.Param("clientId")
	mailbox := h.kb.Events.RegisterClient(clientID)
	defer h.kb.Events.UnregisterClient(clientID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-mailbox:
			if !ok {
				return false
			}
			c.SSEvent("notification", gin.H{
				"id":      strconv.FormatUint(evt.SubscriptionID, 10),
				"content": evt.Content,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
