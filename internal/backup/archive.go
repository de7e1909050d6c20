package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/chirino/graph-memory-service/internal/metrics"
	registrygraph "github.com/chirino/graph-memory-service/internal/registry/graph"
)

// MaxArchiveSize caps uploaded restore archives. Archives are processed in
// memory; anything bigger must go through the object-store restore path.
const MaxArchiveSize = 1 << 30

// Download packages a backup as a portable tar.gz archive. With
// includeDocuments the original document bytes are embedded under a
// documents/ directory; originals missing from the object store are skipped.
func (o *Orchestrator) Download(ctx context.Context, backupID string, includeDocuments bool) ([]byte, error) {
	data, err := o.download(ctx, backupID, includeDocuments)
	if err != nil {
		metrics.CountBackup("download", "failed")
		return nil, err
	}
	metrics.CountBackup("download", "ok")
	return data, nil
}

func (o *Orchestrator) download(ctx context.Context, backupID string, includeDocuments bool) ([]byte, error) {
	memoryID, timestamp, err := ParseBackupID(backupID)
	if err != nil {
		return nil, err
	}
	dir := o.backupDir(memoryID, timestamp)
	root := fmt.Sprintf("backup-%s-%s/", memoryID, timestamp)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	var keyData []byte
	for _, name := range []string{manifestFile, graphFile, vectorsFile, documentsFile} {
		data, err := o.object.GetRaw(ctx, dir+name)
		if err != nil {
			return nil, err
		}
		if name == documentsFile {
			keyData = data
		}
		if err := writeTarFile(tw, root+name, data); err != nil {
			return nil, err
		}
	}

	if includeDocuments {
		var keys []DocumentKey
		if err := json.Unmarshal(keyData, &keys); err != nil {
			return nil, &faults.ValidationError{Field: documentsFile, Message: "document key payload is not valid JSON"}
		}
		for _, key := range keys {
			data, err := o.object.GetRaw(ctx, key.Key)
			if err != nil {
				if faults.Classify(err) == faults.ClassNotFound {
					log.Warn("Skipping missing original document", "backup", backupID, "key", key.Key)
					continue
				}
				return nil, err
			}
			if err := writeTarFile(tw, root+"documents/"+sanitizeArchiveName(key.Filename), data); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RestoreFromArchive rebuilds a memory from a portable archive produced by
// Download. Payloads are checksum-verified against the embedded manifest;
// embedded document names are sanitized before any object-store write.
func (o *Orchestrator) RestoreFromArchive(ctx context.Context, archive []byte) (*RestoreResult, error) {
	result, err := o.restoreFromArchive(ctx, archive)
	if err != nil {
		metrics.CountBackup("restore_archive", "failed")
		return nil, err
	}
	metrics.CountBackup("restore_archive", "ok")
	return result, nil
}

func (o *Orchestrator) restoreFromArchive(ctx context.Context, archive []byte) (*RestoreResult, error) {
	if len(archive) == 0 {
		return nil, &faults.ValidationError{Field: "archive", Message: "archive is empty"}
	}
	if len(archive) > MaxArchiveSize {
		return nil, &faults.ValidationError{Field: "archive", Message: "archive exceeds maximum size"}
	}

	files, documents, err := readArchive(archive)
	if err != nil {
		return nil, err
	}

	manifestData, ok := files[manifestFile]
	if !ok {
		return nil, &faults.ValidationError{Field: "archive", Message: "archive contains no " + manifestFile}
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, &faults.ValidationError{Field: manifestFile, Message: "backup manifest is not valid JSON"}
	}

	for _, name := range []string{graphFile, vectorsFile, documentsFile} {
		data, ok := files[name]
		if !ok {
			return nil, &faults.ValidationError{Field: "archive", Message: "archive contains no " + name}
		}
		if err := verifyChecksum(name, data, manifest.Checksums); err != nil {
			return nil, err
		}
	}

	var export registrygraph.Export
	if err := json.Unmarshal(files[graphFile], &export); err != nil {
		return nil, &faults.ValidationError{Field: graphFile, Message: "graph payload is not valid JSON"}
	}
	points, err := unmarshalPoints(files[vectorsFile])
	if err != nil {
		return nil, err
	}
	var keys []DocumentKey
	if err := json.Unmarshal(files[documentsFile], &keys); err != nil {
		return nil, &faults.ValidationError{Field: documentsFile, Message: "document key payload is not valid JSON"}
	}

	// Upload embedded originals before the presence check in rebuild so they
	// count as present. Keys come from the trusted document_keys payload, not
	// from attacker-controlled archive entry names.
	keyByName := map[string]DocumentKey{}
	for _, key := range keys {
		keyByName[sanitizeArchiveName(key.Filename)] = key
	}
	for name, data := range documents {
		key, ok := keyByName[name]
		if !ok || key.Key == "" {
			log.Warn("Ignoring archive document with no matching key entry", "name", name)
			continue
		}
		if err := o.object.PutRaw(ctx, key.Key, data); err != nil {
			return nil, fmt.Errorf("restore document %s: %w", name, err)
		}
	}

	return o.rebuild(ctx, &export, points, keys)
}

// readArchive extracts the four well-known payload files and any documents/
// entries from a tar.gz archive, regardless of the top-level directory name.
// Entries with traversal components are dropped, not fatal: one hostile
// entry must not block restoration of the valid ones.
func readArchive(archive []byte) (files map[string][]byte, documents map[string][]byte, err error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, nil, &faults.ValidationError{Field: "archive", Message: "not a gzip archive"}
	}
	defer gz.Close()

	files = map[string][]byte{}
	documents = map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &faults.ValidationError{Field: "archive", Message: "corrupt tar stream"}
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if !safeArchivePath(header.Name) {
			log.Warn("Skipping unsafe archive entry", "name", header.Name)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, MaxArchiveSize))
		if err != nil {
			return nil, nil, &faults.ValidationError{Field: "archive", Message: "corrupt tar stream"}
		}

		base := path.Base(header.Name)
		if strings.Contains(path.Dir(header.Name)+"/", "/documents/") {
			documents[sanitizeArchiveName(base)] = data
			continue
		}
		switch base {
		case manifestFile, graphFile, vectorsFile, documentsFile:
			files[base] = data
		}
	}
	return files, documents, nil
}

// safeArchivePath rejects absolute paths and any path containing a
// traversal component.
func safeArchivePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

// sanitizeArchiveName reduces an embedded document filename to a safe
// basename.
func sanitizeArchiveName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return "file"
	}
	return base
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
