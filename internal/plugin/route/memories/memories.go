// Package memories mounts the memory lifecycle REST endpoints.
package memories

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/chirino/graph-memory-service/internal/ingest"
	"github.com/chirino/graph-memory-service/internal/model"
	"github.com/chirino/graph-memory-service/internal/ontology"
	"github.com/chirino/graph-memory-service/internal/plugin/route/respond"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the memory CRUD, stats, and graph endpoints.
func MountRoutes(r *gin.Engine, graph registrygraph.GraphStore, pipeline *ingest.Pipeline, ontologies *ontology.Catalog, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/memories", security.RequireWrite(), func(c *gin.Context) { createMemory(c, graph, ontologies) })
	g.GET("/memories", func(c *gin.Context) { listMemories(c, graph) })

	scoped := g.Group("/memories/:memory", security.RequireMemoryAccess())
	scoped.GET("", func(c *gin.Context) { getMemory(c, graph) })
	scoped.DELETE("", security.RequireWrite(), func(c *gin.Context) { deleteMemory(c, pipeline) })
	scoped.GET("/stats", func(c *gin.Context) { getStats(c, graph) })
	scoped.GET("/graph", func(c *gin.Context) { getGraph(c, graph) })
}

type createMemoryRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Ontology    string `json:"ontology"`
}

func createMemory(c *gin.Context, graph registrygraph.GraphStore, ontologies *ontology.Catalog) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if req.Ontology != "" && ontologies.Get(req.Ontology) == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"message": fmt.Sprintf("unknown ontology %q; valid: %v", req.Ontology, ontologies.Names()),
		})
		return
	}

	memory, err := graph.CreateMemory(c.Request.Context(), model.Memory{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Ontology:    req.Ontology,
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, memory)
}

func listMemories(c *gin.Context, graph registrygraph.GraphStore) {
	memories, err := graph.ListMemories(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}

	// Scoped credentials only see the memories they can access.
	id := security.FromGin(c)
	visible := make([]model.Memory, 0, len(memories))
	for _, m := range memories {
		if security.CheckMemoryAccess(id, m.ID) == nil {
			visible = append(visible, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"memories": visible})
}

func getMemory(c *gin.Context, graph registrygraph.GraphStore) {
	memory, err := graph.GetMemory(c.Request.Context(), c.Param("memory"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, memory)
}

func deleteMemory(c *gin.Context, pipeline *ingest.Pipeline) {
	if err := pipeline.DeleteMemory(c.Request.Context(), c.Param("memory")); err != nil {
		respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getStats(c *gin.Context, graph registrygraph.GraphStore) {
	stats, err := graph.GetMemoryStats(c.Request.Context(), c.Param("memory"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func getGraph(c *gin.Context, graph registrygraph.GraphStore) {
	export, err := graph.ExportMemoryData(c.Request.Context(), c.Param("memory"))
	if err != nil {
		respond.Error(c, err)
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, gin.H{
			"entities":  export.Entities,
			"relations": export.Relations,
		})
	case "dot":
		c.Data(http.StatusOK, "text/vnd.graphviz", []byte(renderDOT(export)))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "format must be json or dot"})
	}
}

// renderDOT draws the entity graph in graphviz DOT form, nodes labeled with
// name and type, edges with the relation type.
func renderDOT(export *registrygraph.Export) string {
	var b strings.Builder
	b.WriteString("digraph memory {\n")
	b.WriteString("  rankdir=LR;\n  node [shape=box];\n")

	names := make(map[string]string, len(export.Entities))
	for _, e := range export.Entities {
		names[e.ID.String()] = e.Name
		fmt.Fprintf(&b, "  %q [label=%q];\n", e.Name, e.Name+"\\n"+e.Type)
	}
	for _, rel := range export.Relations {
		from, ok1 := names[rel.FromEntityID.String()]
		to, ok2 := names[rel.ToEntityID.String()]
		if !ok1 || !ok2 {
			continue
		}
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", from, to, rel.Type)
	}
	b.WriteString("}\n")
	return b.String()
}
