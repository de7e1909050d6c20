// Package backup snapshots a memory across all three stores into object
// storage and restores from such snapshots. Every payload is checksummed in
// the manifest; restore verifies before writing anything.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	"github.com/chirino/graph-memory-service/internal/model"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
	registryvector "github.com/chirino/graph-memory-service/internal/registry/vector"
)

const (
	manifestVersion = 1

	manifestFile  = "manifest.json"
	graphFile     = "graph_data.json"
	vectorsFile   = "qdrant_vectors.jsonl"
	documentsFile = "document_keys.json"

	timestampLayout = "20060102T150405Z"
)

// idComponent is the charset each backup-id path component must match.
// Anything else is rejected before a storage key is built from it.
var idComponent = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GraphSource is the slice of the graph store the orchestrator needs.
type GraphSource interface {
	GetMemory(ctx context.Context, memoryID string) (*model.Memory, error)
	ExportMemoryData(ctx context.Context, memoryID string) (*registrygraph.Export, error)
	ImportMemoryData(ctx context.Context, export *registrygraph.Export) (*registrygraph.ImportCounts, error)
}

// VectorSource is the slice of the vector index the orchestrator needs.
type VectorSource interface {
	ExportCollection(ctx context.Context, memoryID string) ([]registryvector.Point, error)
	ImportCollection(ctx context.Context, memoryID string, points []registryvector.Point) error
}

// ObjectTarget is the slice of the object store the orchestrator needs. It
// owns its own key layout under the backup prefix, so only the raw
// operations apply.
type ObjectTarget interface {
	Exists(ctx context.Context, keyOrURI string) (bool, error)
	List(ctx context.Context, prefix string) ([]registryobject.ObjectInfo, error)
	PutRaw(ctx context.Context, key string, data []byte) error
	GetRaw(ctx context.Context, key string) ([]byte, error)
	DeleteRaw(ctx context.Context, key string) error
}

// Manifest is the authoritative, checksummed description of one snapshot.
type Manifest struct {
	Version     int               `json:"version"`
	BackupID    string            `json:"backup_id"`
	MemoryID    string            `json:"memory_id"`
	Timestamp   string            `json:"timestamp"`
	CreatedAt   time.Time         `json:"created_at"`
	Description string            `json:"description,omitempty"`
	Checksums   map[string]string `json:"checksums"`
	Files       []string          `json:"files"`
	Stats       Stats             `json:"stats"`
}

// Stats summarizes what a snapshot contains.
type Stats struct {
	Documents int `json:"documents"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Mentions  int `json:"mentions"`
	Points    int `json:"points"`
}

// DocumentKey is one original-document reference carried in a backup. The
// bytes themselves stay in the object store; restore verifies presence.
type DocumentKey struct {
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	URI       string `json:"uri"`
	Key       string `json:"key"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	MemoryID         string                      `json:"memoryId"`
	Graph            *registrygraph.ImportCounts `json:"graph"`
	Points           int                         `json:"points"`
	DocumentsPresent int                         `json:"documentsPresent"`
	DocumentsMissing int                         `json:"documentsMissing"`
	MissingDocuments []string                    `json:"missingDocuments,omitempty"`
}

// Config bounds the orchestrator.
type Config struct {
	// Prefix is the object-store key prefix all backup artifacts live under.
	Prefix string
	// Retention keeps the newest N backups per memory after each create.
	// Zero or negative disables pruning.
	Retention int
}

// Orchestrator implements backup create, list, restore, delete, and the
// portable archive variants.
type Orchestrator struct {
	graph  GraphSource
	vector VectorSource
	object ObjectTarget
	cfg    Config
	now    func() time.Time
}

// New creates an Orchestrator.
func New(graph GraphSource, vector VectorSource, object ObjectTarget, cfg Config) *Orchestrator {
	if cfg.Prefix == "" {
		cfg.Prefix = "backups"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Orchestrator{
		graph:  graph,
		vector: vector,
		object: object,
		cfg:    cfg,
		now:    time.Now,
	}
}

// ParseBackupID splits a backup id into its memory and timestamp components,
// rejecting anything that could escape the backup prefix.
func ParseBackupID(backupID string) (memoryID, timestamp string, err error) {
	parts := strings.Split(backupID, "/")
	if len(parts) != 2 || !idComponent.MatchString(parts[0]) || !idComponent.MatchString(parts[1]) {
		return "", "", &faults.ValidationError{Field: "backup_id", Message: "must be memory_id/timestamp with [A-Za-z0-9_-] components"}
	}
	return parts[0], parts[1], nil
}

func (o *Orchestrator) backupDir(memoryID, timestamp string) string {
	return path.Join(o.cfg.Prefix, memoryID, timestamp) + "/"
}

// Create snapshots the memory into object storage and then prunes old
// backups per the retention policy.
func (o *Orchestrator) Create(ctx context.Context, memoryID, description string) (*Manifest, error) {
	manifest, err := o.create(ctx, memoryID, description)
	if err != nil {
		metrics.CountBackup("create", "failed")
		return nil, err
	}
	metrics.CountBackup("create", "ok")

	if err := o.applyRetention(ctx, memoryID); err != nil {
		// The new backup is complete; pruning failure must not undo that.
		log.Warn("Backup retention pruning failed", "memory", memoryID, "error", err)
	}
	return manifest, nil
}

func (o *Orchestrator) create(ctx context.Context, memoryID, description string) (*Manifest, error) {
	export, err := o.graph.ExportMemoryData(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	points, err := o.vector.ExportCollection(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	graphData, err := json.Marshal(export)
	if err != nil {
		return nil, fmt.Errorf("marshal graph export: %w", err)
	}
	vectorData, err := marshalPoints(points)
	if err != nil {
		return nil, err
	}
	keys := documentKeys(export.Documents)
	keyData, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshal document keys: %w", err)
	}

	timestamp := o.now().UTC().Format(timestampLayout)
	dir := o.backupDir(memoryID, timestamp)
	manifest := &Manifest{
		Version:     manifestVersion,
		BackupID:    memoryID + "/" + timestamp,
		MemoryID:    memoryID,
		Timestamp:   timestamp,
		CreatedAt:   o.now().UTC(),
		Description: description,
		Checksums: map[string]string{
			graphFile:     checksum(graphData),
			vectorsFile:   checksum(vectorData),
			documentsFile: checksum(keyData),
		},
		Files: []string{manifestFile, graphFile, vectorsFile, documentsFile},
		Stats: Stats{
			Documents: len(export.Documents),
			Entities:  len(export.Entities),
			Relations: len(export.Relations),
			Mentions:  len(export.Mentions),
			Points:    len(points),
		},
	}
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	// Payloads first, manifest last: a backup without a manifest is invisible
	// to list and restore, so a crash mid-write never yields a listable but
	// incomplete backup.
	for _, f := range []struct {
		name string
		data []byte
	}{
		{graphFile, graphData},
		{vectorsFile, vectorData},
		{documentsFile, keyData},
		{manifestFile, manifestData},
	} {
		if err := o.object.PutRaw(ctx, dir+f.name, f.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	log.Info("Created backup", "id", manifest.BackupID,
		"documents", manifest.Stats.Documents, "points", manifest.Stats.Points)
	return manifest, nil
}

// List enumerates backups, newest first. An empty memoryID lists across all
// memories. A manifest that fails to parse is logged and skipped so one
// corrupt backup cannot hide the rest.
func (o *Orchestrator) List(ctx context.Context, memoryID string) ([]Manifest, error) {
	prefix := o.cfg.Prefix + "/"
	if memoryID != "" {
		prefix = path.Join(o.cfg.Prefix, memoryID) + "/"
	}
	objects, err := o.object.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var manifests []Manifest
	for _, obj := range objects {
		if path.Base(obj.Key) != manifestFile {
			continue
		}
		data, err := o.object.GetRaw(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn("Skipping unreadable backup manifest", "key", obj.Key, "error", err)
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		if manifests[i].Timestamp != manifests[j].Timestamp {
			return manifests[i].Timestamp > manifests[j].Timestamp
		}
		return manifests[i].MemoryID < manifests[j].MemoryID
	})
	return manifests, nil
}

// Restore rebuilds a memory from a backup. Every payload is verified against
// the manifest checksum before anything is written, and an existing target
// memory is refused.
func (o *Orchestrator) Restore(ctx context.Context, backupID string) (*RestoreResult, error) {
	result, err := o.restore(ctx, backupID)
	if err != nil {
		metrics.CountBackup("restore", "failed")
		return nil, err
	}
	metrics.CountBackup("restore", "ok")
	return result, nil
}

func (o *Orchestrator) restore(ctx context.Context, backupID string) (*RestoreResult, error) {
	memoryID, timestamp, err := ParseBackupID(backupID)
	if err != nil {
		return nil, err
	}
	dir := o.backupDir(memoryID, timestamp)

	manifestData, err := o.object.GetRaw(ctx, dir+manifestFile)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, &faults.ValidationError{Field: "manifest", Message: "backup manifest is not valid JSON"}
	}
	if manifest.Version > manifestVersion {
		return nil, &faults.ValidationError{
			Field:   "manifest",
			Message: fmt.Sprintf("backup version %d is newer than supported %d", manifest.Version, manifestVersion),
		}
	}

	graphData, err := o.fetchVerified(ctx, dir, graphFile, manifest.Checksums)
	if err != nil {
		return nil, err
	}
	vectorData, err := o.fetchVerified(ctx, dir, vectorsFile, manifest.Checksums)
	if err != nil {
		return nil, err
	}
	keyData, err := o.fetchVerified(ctx, dir, documentsFile, manifest.Checksums)
	if err != nil {
		return nil, err
	}

	var export registrygraph.Export
	if err := json.Unmarshal(graphData, &export); err != nil {
		return nil, &faults.ValidationError{Field: graphFile, Message: "graph payload is not valid JSON"}
	}
	points, err := unmarshalPoints(vectorData)
	if err != nil {
		return nil, err
	}
	var keys []DocumentKey
	if err := json.Unmarshal(keyData, &keys); err != nil {
		return nil, &faults.ValidationError{Field: documentsFile, Message: "document key payload is not valid JSON"}
	}

	return o.rebuild(ctx, &export, points, keys)
}

// rebuild writes a verified snapshot into the stores: graph first, then
// vectors, then a presence check of the original documents.
func (o *Orchestrator) rebuild(ctx context.Context, export *registrygraph.Export, points []registryvector.Point, keys []DocumentKey) (*RestoreResult, error) {
	memoryID := export.Memory.ID
	if _, err := o.graph.GetMemory(ctx, memoryID); err == nil {
		return nil, &faults.ConflictError{Message: "memory already exists: " + memoryID}
	} else if faults.Classify(err) != faults.ClassNotFound {
		return nil, err
	}

	counts, err := o.graph.ImportMemoryData(ctx, export)
	if err != nil {
		return nil, err
	}
	if err := o.vector.ImportCollection(ctx, memoryID, points); err != nil {
		return nil, err
	}

	result := &RestoreResult{MemoryID: memoryID, Graph: counts, Points: len(points)}
	for _, key := range keys {
		ref := key.Key
		if ref == "" {
			ref = key.URI
		}
		ok, err := o.object.Exists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			result.DocumentsPresent++
		} else {
			result.DocumentsMissing++
			result.MissingDocuments = append(result.MissingDocuments, key.Filename)
		}
	}
	if result.DocumentsMissing > 0 {
		log.Warn("Restored backup with missing original documents",
			"memory", memoryID, "missing", result.DocumentsMissing)
	}

	log.Info("Restored backup", "memory", memoryID,
		"documents", counts.Documents, "points", len(points))
	return result, nil
}

// Delete removes every file under the backup's prefix.
func (o *Orchestrator) Delete(ctx context.Context, backupID string) error {
	memoryID, timestamp, err := ParseBackupID(backupID)
	if err != nil {
		metrics.CountBackup("delete", "failed")
		return err
	}
	dir := o.backupDir(memoryID, timestamp)

	objects, err := o.object.List(ctx, dir)
	if err != nil {
		metrics.CountBackup("delete", "failed")
		return err
	}
	if len(objects) == 0 {
		metrics.CountBackup("delete", "failed")
		return &faults.NotFoundError{Resource: "backup", ID: backupID}
	}
	for _, obj := range objects {
		if err := o.object.DeleteRaw(ctx, obj.Key); err != nil {
			metrics.CountBackup("delete", "failed")
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	metrics.CountBackup("delete", "ok")
	return nil
}

func (o *Orchestrator) applyRetention(ctx context.Context, memoryID string) error {
	if o.cfg.Retention <= 0 {
		return nil
	}
	manifests, err := o.List(ctx, memoryID)
	if err != nil {
		return err
	}
	for _, m := range manifests[min(o.cfg.Retention, len(manifests)):] {
		log.Info("Pruning old backup", "id", m.BackupID)
		if err := o.Delete(ctx, m.BackupID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fetchVerified(ctx context.Context, dir, name string, checksums map[string]string) ([]byte, error) {
	data, err := o.object.GetRaw(ctx, dir+name)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(name, data, checksums); err != nil {
		return nil, err
	}
	return data, nil
}

func verifyChecksum(name string, data []byte, checksums map[string]string) error {
	want, ok := checksums[name]
	if !ok {
		return &faults.ValidationError{Field: name, Message: "manifest carries no checksum for payload"}
	}
	if got := checksum(data); got != want {
		return &faults.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("checksum mismatch: manifest %s, payload %s", want[:8], got[:8]),
		}
	}
	return nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func documentKeys(docs []model.Document) []DocumentKey {
	keys := make([]DocumentKey, len(docs))
	for i, doc := range docs {
		keys[i] = DocumentKey{
			DocID:     doc.ID.String(),
			Filename:  doc.Filename,
			URI:       doc.URI,
			Key:       uriKey(doc.URI),
			Hash:      doc.Hash,
			SizeBytes: doc.SizeBytes,
		}
	}
	return keys
}

// uriKey strips the scheme and bucket from a store URI, leaving the object
// key. Non-URI references pass through unchanged.
func uriKey(uri string) string {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return uri
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[idx+1:]
	}
	return rest
}

// marshalPoints encodes points as newline-delimited JSON, one point per line.
func marshalPoints(points []registryvector.Point) ([]byte, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for i := range points {
		if err := enc.Encode(&points[i]); err != nil {
			return nil, fmt.Errorf("marshal point %s: %w", points[i].ID, err)
		}
	}
	return []byte(buf.String()), nil
}

func unmarshalPoints(data []byte) ([]registryvector.Point, error) {
	var points []registryvector.Point
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var p registryvector.Point
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, &faults.ValidationError{
				Field:   vectorsFile,
				Message: fmt.Sprintf("line %d is not a valid point", i+1),
			}
		}
		points = append(points, p)
	}
	return points, nil
}
