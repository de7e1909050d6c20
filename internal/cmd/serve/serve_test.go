package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingRequest(t *testing.T) {
	t.Run("multipart document upload is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/memories/m1/documents", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.True(t, isStreamingRequest(req))
	})

	t.Run("archive restore is streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/backups/restore-archive", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "application/gzip")
		require.True(t, isStreamingRequest(req))
	})

	t.Run("json body is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/memories", strings.NewReader(`{"id":"m1"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isStreamingRequest(req))
	})

	t.Run("GET is not streaming", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
		require.False(t, isStreamingRequest(req))
	})
}

func readBodyLengthHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusRequestEntityTooLarge, "too large")
		return
	}
	c.String(http.StatusOK, strconv.Itoa(len(body)))
}

func TestMaxBodySizeMiddleware_SkipsMultipartUploads(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/memories/:memory/documents", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/memories/m1/documents", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/memories", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/memories", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddleware_AllowsSmallBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(1024))
	router.POST("/v1/memories", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/memories", strings.NewReader(`{"id":"m1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
