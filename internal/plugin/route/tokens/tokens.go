// Package tokens mounts the admin token management endpoints. The raw
// secret is returned exactly once at creation; only its hash is stored.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/chirino/graph-memory-service/internal/plugin/route/respond"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the token management endpoints, admin-gated.
func MountRoutes(r *gin.Engine, graph registrygraph.GraphStore, auth gin.HandlerFunc) {
	g := r.Group("/admin/v1/tokens", auth, security.RequireAdmin(), security.AdminAuditMiddleware())

	g.POST("", func(c *gin.Context) { createToken(c, graph) })
	g.GET("", func(c *gin.Context) { listTokens(c, graph) })
	g.DELETE("/:id", func(c *gin.Context) { revokeToken(c, graph) })
	g.PUT("/:id/memories", func(c *gin.Context) { updateTokenMemories(c, graph) })
}

type createTokenRequest struct {
	ClientName  string     `json:"clientName" binding:"required"`
	Permissions []string   `json:"permissions"`
	MemoryIDs   []string   `json:"memoryIds"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func createToken(c *gin.Context, graph registrygraph.GraphStore) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = []string{security.PermissionRead}
	}
	for _, p := range permissions {
		switch p {
		case security.PermissionRead, security.PermissionWrite, security.PermissionAdmin:
		default:
			respond.Error(c, &faults.ValidationError{Field: "permissions", Message: "unknown permission: " + p})
			return
		}
	}

	secret, err := newSecret()
	if err != nil {
		respond.Error(c, err)
		return
	}

	token, err := graph.CreateToken(c.Request.Context(), model.AccessToken{
		Hash:        security.HashToken(secret),
		ClientName:  req.ClientName,
		Permissions: strings.Join(permissions, ","),
		MemoryIDs:   strings.Join(req.MemoryIDs, ","),
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":  token,
		"secret": secret,
	})
}

func listTokens(c *gin.Context, graph registrygraph.GraphStore) {
	tokens, err := graph.ListTokens(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func revokeToken(c *gin.Context, graph registrygraph.GraphStore) {
	tokenID, ok := parseTokenID(c)
	if !ok {
		return
	}
	if err := graph.RevokeToken(c.Request.Context(), tokenID); err != nil {
		respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateMemoriesRequest struct {
	MemoryIDs []string `json:"memoryIds"`
}

func updateTokenMemories(c *gin.Context, graph registrygraph.GraphStore) {
	tokenID, ok := parseTokenID(c)
	if !ok {
		return
	}
	var req updateMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	token, err := graph.UpdateTokenMemories(c.Request.Context(), tokenID, req.MemoryIDs)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func parseTokenID(c *gin.Context) (uuid.UUID, bool) {
	tokenID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Error(c, &faults.ValidationError{Field: "id", Message: "token id must be a UUID"})
		return uuid.Nil, false
	}
	return tokenID, true
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "gm_" + hex.EncodeToString(buf), nil
}
