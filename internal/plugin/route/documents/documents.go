// Package documents mounts the document ingestion and retrieval endpoints.
package documents

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/ingest"
	"github.com/chirino/graph-memory-service/internal/plugin/route/respond"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// signedURLTTL bounds how long a download link stays valid.
const signedURLTTL = 15 * time.Minute

// MountRoutes mounts the document endpoints under a memory.
func MountRoutes(r *gin.Engine, graph registrygraph.GraphStore, pipeline *ingest.Pipeline, object registryobject.ObjectStore, auth gin.HandlerFunc) {
	g := r.Group("/v1/memories/:memory/documents", auth, security.RequireMemoryAccess())

	g.POST("", security.RequireWrite(), func(c *gin.Context) { ingestDocument(c, pipeline) })
	g.GET("", func(c *gin.Context) { listDocuments(c, graph) })
	g.GET("/:doc", func(c *gin.Context) { getDocument(c, graph) })
	g.GET("/:doc/download", func(c *gin.Context) { downloadDocument(c, graph, object) })
	g.DELETE("/:doc", security.RequireWrite(), func(c *gin.Context) { deleteDocument(c, pipeline) })
}

// ingestDocument accepts either a multipart upload (file field "file",
// optional "metadata" JSON field) or a raw body with ?filename=.
func ingestDocument(c *gin.Context, pipeline *ingest.Pipeline) {
	memoryID := c.Param("memory")

	var filename string
	var data []byte
	metadata := map[string]interface{}(nil)

	if file, err := c.FormFile("file"); err == nil {
		filename = file.Filename
		f, err := file.Open()
		if err != nil {
			respond.Error(c, err)
			return
		}
		defer f.Close()
		if data, err = io.ReadAll(f); err != nil {
			respond.Error(c, err)
			return
		}
		if raw := c.PostForm("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "metadata must be a JSON object"})
				return
			}
		}
	} else {
		filename = c.Query("filename")
		if filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "filename query parameter is required for raw uploads"})
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respond.Error(c, err)
			return
		}
		data = body
	}

	result, err := pipeline.IngestDocument(c.Request.Context(), memoryID, filename, data, metadata)
	if err != nil {
		respond.Error(c, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func listDocuments(c *gin.Context, graph registrygraph.GraphStore) {
	docs, err := graph.ListDocuments(c.Request.Context(), c.Param("memory"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func getDocument(c *gin.Context, graph registrygraph.GraphStore) {
	docID, ok := parseDocID(c)
	if !ok {
		return
	}
	doc, err := graph.GetDocument(c.Request.Context(), c.Param("memory"), docID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func downloadDocument(c *gin.Context, graph registrygraph.GraphStore, object registryobject.ObjectStore) {
	docID, ok := parseDocID(c)
	if !ok {
		return
	}
	doc, err := graph.GetDocument(c.Request.Context(), c.Param("memory"), docID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	signed, err := object.SignedURL(c.Request.Context(), doc.URI, signedURLTTL)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signed.String(), "expiresIn": signedURLTTL.Seconds()})
}

func deleteDocument(c *gin.Context, pipeline *ingest.Pipeline) {
	docID, ok := parseDocID(c)
	if !ok {
		return
	}
	if err := pipeline.DeleteDocument(c.Request.Context(), c.Param("memory"), docID); err != nil {
		respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseDocID(c *gin.Context) (uuid.UUID, bool) {
	docID, err := uuid.Parse(c.Param("doc"))
	if err != nil {
		respond.Error(c, &faults.ValidationError{Field: "doc", Message: "document id must be a UUID"})
		return uuid.Nil, false
	}
	return docID, true
}
