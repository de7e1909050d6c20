// Package respond maps service errors onto HTTP responses. All route
// packages go through Error so the fault taxonomy is classified in exactly
// one place at the transport boundary.
package respond

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/gin-gonic/gin"
)

// Error writes the structured error response for err and the status its
// fault class maps to.
func Error(c *gin.Context, err error) {
	class := faults.Classify(err)
	status := statusFor(class)
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		c.JSON(status, gin.H{"status": "error", "message": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"status": "error", "message": err.Error()})
}

func statusFor(class faults.Class) int {
	switch class {
	case faults.ClassNotFound:
		return http.StatusNotFound
	case faults.ClassValidation:
		return http.StatusBadRequest
	case faults.ClassPermissionDenied:
		return http.StatusForbidden
	case faults.ClassConflict:
		return http.StatusConflict
	case faults.ClassUnavailable, faults.ClassTransientDisconnect:
		return http.StatusServiceUnavailable
	case faults.ClassUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
