// Package search mounts entity search, entity context, and question
// answering endpoints.
package search

import (
	"net/http"
	"strconv"

	"github.com/chirino/graph-memory-service/internal/plugin/route/respond"
	"github.com/chirino/graph-memory-service/internal/query"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the retrieval endpoints. The /public variant of ask
// withholds the assembled retrieval context from the response.
func MountRoutes(r *gin.Engine, engine *query.Engine, auth gin.HandlerFunc) {
	g := r.Group("/v1/memories/:memory", auth, security.RequireMemoryAccess())
	g.GET("/search", func(c *gin.Context) { searchEntities(c, engine) })
	g.GET("/entities/:name/context", func(c *gin.Context) { entityContext(c, engine) })
	g.POST("/ask", func(c *gin.Context) { ask(c, engine, true) })

	public := r.Group("/public/v1/memories/:memory", auth, security.RequireMemoryAccess())
	public.POST("/ask", func(c *gin.Context) { ask(c, engine, false) })
}

func searchEntities(c *gin.Context, engine *query.Engine) {
	q := c.Query("q")
	limit := queryInt(c, "limit", 20)

	hits, err := engine.SearchEntities(c.Request.Context(), c.Param("memory"), q, limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": hits})
}

func entityContext(c *gin.Context, engine *query.Engine) {
	depth := queryInt(c, "depth", 1)

	ec, err := engine.EntityContext(c.Request.Context(), c.Param("memory"), c.Param("name"), depth)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, ec)
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
}

func ask(c *gin.Context, engine *query.Engine, includeContext bool) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	answer, err := engine.Ask(c.Request.Context(), c.Param("memory"), req.Question)
	if err != nil {
		respond.Error(c, err)
		return
	}
	if !includeContext {
		answer.ContextUsed = ""
	}
	c.JSON(http.StatusOK, answer)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}
