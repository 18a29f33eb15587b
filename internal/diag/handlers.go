// Package diag is a loopback-only Gin router for introspecting a
// running Node without speaking the binary wire protocol. It is
// strictly read-only and separate from the client and network ports:
// the TCP protocol in internal/codec and internal/transport is the
// only read/write surface this store defines (§1).
package diag

import (
	"distributed-kvstore/internal/cluster"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler holds the dependencies the diagnostics routes read from.
type Handler struct {
	node *cluster.Node
}

// NewHandler creates a Handler bound to node.
func NewHandler(node *cluster.Node) *Handler {
	return &Handler{node: node}
}

// Register mounts all diagnostics routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/debug/role", h.Role)
	r.GET("/debug/membership", h.Membership)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Role handles GET /debug/role.
func (h *Handler) Role(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"role":    h.node.Role().String(),
		"self":    h.node.SelfAddr(),
		"primary": h.node.PrimaryAddr(),
	})
}

// Membership handles GET /debug/membership.
func (h *Handler) Membership(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backups":     h.node.Backups(),
		"known_peers": h.node.KnownPeers(),
	})
}
