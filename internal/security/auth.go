// Package security resolves bearer tokens into request-scoped identities and
// provides the pure access-control checks consulted by every memory-scoped
// route. Absence of an identity means the caller is on a trusted network and
// is unrestricted; a present identity is checked and fails closed.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// identityKey is the gin context key the middleware stores the Identity under.
const identityKey = "identity"

// Identity is the resolved caller. A nil *Identity anywhere in the request
// path means no credential was presented (trusted network).
type Identity struct {
	ClientName  string
	Permissions map[string]bool
	// MemoryIDs restricts the identity to these memories; empty means all.
	MemoryIDs []string
	IsAdmin   bool
}

// TokenSource looks up stored credentials by secret hash.
type TokenSource interface {
	GetTokenByHash(ctx context.Context, hash string) (*model.AccessToken, error)
}

// TokenResolver turns raw bearer secrets into identities. The admin bootstrap
// key, when configured, short-circuits the store lookup.
type TokenResolver struct {
	tokens   TokenSource
	adminKey string
	now      func() time.Time
}

// NewTokenResolver creates a TokenResolver.
func NewTokenResolver(tokens TokenSource, adminKey string) *TokenResolver {
	return &TokenResolver{tokens: tokens, adminKey: adminKey, now: time.Now}
}

// HashToken returns the hex sha256 of a raw token secret. Only this hash is
// ever stored or compared against the store.
func HashToken(raw string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(raw)))
}

// Resolve maps a raw bearer secret to an Identity. Unknown, revoked, and
// expired tokens all fail with PermissionDenied.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken string) (*Identity, error) {
	if r.adminKey != "" && subtle.ConstantTimeCompare([]byte(bearerToken), []byte(r.adminKey)) == 1 {
		return &Identity{
			ClientName:  "admin-bootstrap",
			Permissions: map[string]bool{PermissionAdmin: true},
			IsAdmin:     true,
		}, nil
	}

	token, err := r.tokens.GetTokenByHash(ctx, HashToken(bearerToken))
	if err != nil {
		if faults.Classify(err) == faults.ClassNotFound {
			return nil, &faults.PermissionDeniedError{Reason: "unknown token"}
		}
		return nil, err
	}
	if !token.IsActive {
		return nil, &faults.PermissionDeniedError{Reason: "token revoked"}
	}
	if token.Expired(r.now()) {
		return nil, &faults.PermissionDeniedError{Reason: "token expired"}
	}

	perms := token.PermissionSet()
	return &Identity{
		ClientName:  token.ClientName,
		Permissions: perms,
		MemoryIDs:   token.MemoryIDList(),
		IsAdmin:     perms[PermissionAdmin],
	}, nil
}

// CheckMemoryAccess authorizes access to one memory. A nil identity is
// unrestricted; otherwise the identity must be admin, unscoped, or scoped to
// the requested memory.
func CheckMemoryAccess(id *Identity, memoryID string) error {
	if id == nil || id.IsAdmin || len(id.MemoryIDs) == 0 {
		return nil
	}
	for _, allowed := range id.MemoryIDs {
		if allowed == memoryID {
			return nil
		}
	}
	return &faults.PermissionDeniedError{
		Reason: fmt.Sprintf("client %s has no access to memory %s", id.ClientName, memoryID),
	}
}

// CheckWritePermission authorizes mutation. A nil identity is unrestricted;
// otherwise the identity needs the write or admin capability.
func CheckWritePermission(id *Identity) error {
	if id == nil || id.IsAdmin || id.Permissions[PermissionWrite] {
		return nil
	}
	return &faults.PermissionDeniedError{
		Reason: fmt.Sprintf("client %s has no write permission", id.ClientName),
	}
}

// FromGin returns the Identity the middleware stored, or nil when the
// request carried no credential.
func FromGin(c *gin.Context) *Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}

// Middleware resolves the Authorization header into an Identity. Requests
// without the header pass through with no identity; requests with a bad
// credential are rejected.
func Middleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status": "error", "message": "invalid Authorization header; expected Bearer token",
			})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if faults.Classify(err) == faults.ClassUnavailable {
				status = http.StatusServiceUnavailable
			}
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireAdmin gates the token management routes. A nil identity (trusted
// network) passes; a presented credential must carry the admin capability.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := FromGin(c); id != nil && !id.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"status": "error", "message": "admin permission required",
			})
			return
		}
		c.Next()
	}
}

// RequireMemoryAccess gates routes scoped to a :memory path parameter.
func RequireMemoryAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := CheckMemoryAccess(FromGin(c), c.Param("memory")); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.Next()
	}
}

// RequireWrite gates mutating routes.
func RequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := CheckWritePermission(FromGin(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.Next()
	}
}
