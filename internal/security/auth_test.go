package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type tokenMap map[string]*model.AccessToken

func (m tokenMap) GetTokenByHash(_ context.Context, hash string) (*model.AccessToken, error) {
	if t, ok := m[hash]; ok {
		return t, nil
	}
	return nil, &faults.NotFoundError{Resource: "token", ID: hash}
}

func activeToken(secret, clientName, permissions, memoryIDs string) (tokenMap, string) {
	return tokenMap{
		HashToken(secret): {
			ClientName:  clientName,
			Permissions: permissions,
			MemoryIDs:   memoryIDs,
			IsActive:    true,
		},
	}, secret
}

func TestResolve_AdminBootstrapKey(t *testing.T) {
	resolver := NewTokenResolver(tokenMap{}, "super-secret")

	id, err := resolver.Resolve(context.Background(), "super-secret")
	require.NoError(t, err)
	require.True(t, id.IsAdmin)
	require.Equal(t, "admin-bootstrap", id.ClientName)

	_, err = resolver.Resolve(context.Background(), "wrong")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))
}

func TestResolve_StoredToken(t *testing.T) {
	tokens, secret := activeToken("s3cret", "agent-1", "read,write", "m1,m2")
	resolver := NewTokenResolver(tokens, "")

	id, err := resolver.Resolve(context.Background(), secret)
	require.NoError(t, err)
	require.Equal(t, "agent-1", id.ClientName)
	require.False(t, id.IsAdmin)
	require.True(t, id.Permissions[PermissionWrite])
	require.Equal(t, []string{"m1", "m2"}, id.MemoryIDs)
}

func TestResolve_RevokedAndExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tokens := tokenMap{
		HashToken("revoked"): {ClientName: "a", Permissions: "read", IsActive: false},
		HashToken("expired"): {ClientName: "b", Permissions: "read", IsActive: true, ExpiresAt: &past},
	}
	resolver := NewTokenResolver(tokens, "")

	_, err := resolver.Resolve(context.Background(), "revoked")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))
	require.Contains(t, err.Error(), "revoked")

	_, err = resolver.Resolve(context.Background(), "expired")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))
	require.Contains(t, err.Error(), "expired")
}

func TestCheckMemoryAccess(t *testing.T) {
	// No credential: trusted network, unrestricted.
	require.NoError(t, CheckMemoryAccess(nil, "X"))

	scoped := &Identity{ClientName: "a", MemoryIDs: []string{"Y"}}
	require.NoError(t, CheckMemoryAccess(scoped, "Y"))
	err := CheckMemoryAccess(scoped, "X")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))

	unscoped := &Identity{ClientName: "a"}
	require.NoError(t, CheckMemoryAccess(unscoped, "X"))

	admin := &Identity{ClientName: "a", MemoryIDs: []string{"Y"}, IsAdmin: true}
	require.NoError(t, CheckMemoryAccess(admin, "X"))
}

func TestCheckWritePermission(t *testing.T) {
	require.NoError(t, CheckWritePermission(nil))
	require.NoError(t, CheckWritePermission(&Identity{Permissions: map[string]bool{PermissionWrite: true}}))
	require.NoError(t, CheckWritePermission(&Identity{IsAdmin: true}))

	err := CheckWritePermission(&Identity{ClientName: "reader", Permissions: map[string]bool{PermissionRead: true}})
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))
}

func newAuthRouter(resolver *TokenResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(resolver))
	router.GET("/v1/memories/:memory", RequireMemoryAccess(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/v1/memories/:memory", RequireMemoryAccess(), RequireWrite(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/admin/v1/tokens", RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func doRequest(router *gin.Engine, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	tokens, secret := activeToken("s3cret", "agent-1", "read", "m1")
	router := newAuthRouter(NewTokenResolver(tokens, "boot"))

	// No header: trusted network.
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/v1/memories/m2", "").Code)

	// Scoped token: in scope ok, out of scope forbidden.
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/v1/memories/m1", secret).Code)
	require.Equal(t, http.StatusForbidden, doRequest(router, http.MethodGet, "/v1/memories/m2", secret).Code)

	// Read-only token cannot write.
	require.Equal(t, http.StatusForbidden, doRequest(router, http.MethodPost, "/v1/memories/m1", secret).Code)

	// Unknown token is rejected outright.
	require.Equal(t, http.StatusUnauthorized, doRequest(router, http.MethodGet, "/v1/memories/m1", "nope").Code)

	// Non-admin token cannot reach admin routes; the bootstrap key can.
	require.Equal(t, http.StatusForbidden, doRequest(router, http.MethodGet, "/admin/v1/tokens", secret).Code)
	require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/admin/v1/tokens", "boot").Code)
}
