// Package backups mounts the snapshot and restore endpoints.
package backups

import (
	"fmt"
	"io"
	"net/http"

	"github.com/chirino/graph-memory-service/internal/backup"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/plugin/route/respond"
	"github.com/chirino/graph-memory-service/internal/security"
	"github.com/chirino/graph-memory-service/internal/tempfiles"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the backup endpoints. Backup ids are two path
// components (memory/timestamp), so the routes take both explicitly.
// Uploaded archives are spooled to tempDir before restore.
func MountRoutes(r *gin.Engine, orch *backup.Orchestrator, tempDir string, auth gin.HandlerFunc) {
	g := r.Group("/v1/backups", auth, security.RequireWrite())

	g.POST("", func(c *gin.Context) { createBackup(c, orch) })
	g.GET("", func(c *gin.Context) { listBackups(c, orch) })
	g.POST("/restore-archive", func(c *gin.Context) { restoreArchive(c, orch, tempDir) })
	g.POST("/:memory/:timestamp/restore", func(c *gin.Context) { restoreBackup(c, orch) })
	g.GET("/:memory/:timestamp/download", func(c *gin.Context) { downloadBackup(c, orch) })
	g.DELETE("/:memory/:timestamp", func(c *gin.Context) { deleteBackup(c, orch) })
}

type createBackupRequest struct {
	MemoryID    string `json:"memoryId" binding:"required"`
	Description string `json:"description"`
}

func createBackup(c *gin.Context, orch *backup.Orchestrator) {
	var req createBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if err := security.CheckMemoryAccess(security.FromGin(c), req.MemoryID); err != nil {
		respond.Error(c, err)
		return
	}

	manifest, err := orch.Create(c.Request.Context(), req.MemoryID, req.Description)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, manifest)
}

func listBackups(c *gin.Context, orch *backup.Orchestrator) {
	memoryID := c.Query("memory_id")
	if memoryID != "" {
		if err := security.CheckMemoryAccess(security.FromGin(c), memoryID); err != nil {
			respond.Error(c, err)
			return
		}
	}

	manifests, err := orch.List(c.Request.Context(), memoryID)
	if err != nil {
		respond.Error(c, err)
		return
	}

	// Scoped credentials only see backups of the memories they can access.
	id := security.FromGin(c)
	visible := make([]backup.Manifest, 0, len(manifests))
	for _, m := range manifests {
		if security.CheckMemoryAccess(id, m.MemoryID) == nil {
			visible = append(visible, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"backups": visible})
}

func restoreBackup(c *gin.Context, orch *backup.Orchestrator) {
	backupID, ok := pathBackupID(c)
	if !ok {
		return
	}
	result, err := orch.Restore(c.Request.Context(), backupID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func downloadBackup(c *gin.Context, orch *backup.Orchestrator) {
	backupID, ok := pathBackupID(c)
	if !ok {
		return
	}
	includeDocuments := c.DefaultQuery("include_documents", "false") == "true"

	archive, err := orch.Download(c.Request.Context(), backupID, includeDocuments)
	if err != nil {
		respond.Error(c, err)
		return
	}
	filename := fmt.Sprintf("backup-%s-%s.tar.gz", c.Param("memory"), c.Param("timestamp"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/gzip", archive)
}

// restoreArchive spools the uploaded archive to a temp file before handing
// it to the orchestrator, so a slow upload never holds the request buffers.
func restoreArchive(c *gin.Context, orch *backup.Orchestrator, tempDir string) {
	spool, err := tempfiles.Create(tempDir, "restore-*.tar.gz")
	if err != nil {
		respond.Error(c, err)
		return
	}
	reader := tempfiles.NewDeleteOnClose(spool)
	defer reader.Close()

	written, err := io.Copy(spool, io.LimitReader(c.Request.Body, backup.MaxArchiveSize+1))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if written > backup.MaxArchiveSize {
		respond.Error(c, &faults.ValidationError{Field: "archive", Message: "archive exceeds maximum size"})
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		respond.Error(c, err)
		return
	}
	archive, err := io.ReadAll(reader)
	if err != nil {
		respond.Error(c, err)
		return
	}

	result, err := orch.RestoreFromArchive(c.Request.Context(), archive)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func deleteBackup(c *gin.Context, orch *backup.Orchestrator) {
	backupID, ok := pathBackupID(c)
	if !ok {
		return
	}
	if err := orch.Delete(c.Request.Context(), backupID); err != nil {
		respond.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pathBackupID joins the path components and applies the strict id check,
// also gating the caller on the memory component.
func pathBackupID(c *gin.Context) (string, bool) {
	backupID := c.Param("memory") + "/" + c.Param("timestamp")
	memoryID, _, err := backup.ParseBackupID(backupID)
	if err != nil {
		respond.Error(c, err)
		return "", false
	}
	if err := security.CheckMemoryAccess(security.FromGin(c), memoryID); err != nil {
		respond.Error(c, err)
		return "", false
	}
	return backupID, true
}
