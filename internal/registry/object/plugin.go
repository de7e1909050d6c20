package object

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// PutResult describes a stored object.
type PutResult struct {
	URI  string `json:"uri"`
	Key  string `json:"key"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ObjectInfo describes one stored object when listing.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ObjectStore is content-addressed storage for original document bytes.
// Keys are deterministic ({namespace}/documents/{hash8}_{filename}) so
// re-uploads of identical bytes are idempotent. Every read and delete
// verifies the resolved key is prefixed by the caller's namespace;
// cross-namespace access fails with a permission error regardless of
// whether the key exists.
type ObjectStore interface {
	Put(ctx context.Context, namespace string, filename string, data []byte) (*PutResult, error)
	Get(ctx context.Context, namespace string, keyOrURI string) ([]byte, error)
	Delete(ctx context.Context, namespace string, keyOrURI string) (bool, error)
	Exists(ctx context.Context, keyOrURI string) (bool, error)
	SignedURL(ctx context.Context, keyOrURI string, expiry time.Duration) (*url.URL, error)
	// List enumerates the objects under a key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// PutRaw and GetRaw bypass the deterministic document-key derivation.
	// They are used by the backup orchestrator, which owns its own key
	// layout under the backup prefix.
	PutRaw(ctx context.Context, key string, data []byte) error
	GetRaw(ctx context.Context, key string) ([]byte, error)
	DeleteRaw(ctx context.Context, key string) error
}

// Loader creates an ObjectStore from config.
type Loader func(ctx context.Context) (ObjectStore, error)

// Plugin represents an object store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an object store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered object store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named object store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown object store %q; valid: %v", name, Names())
}
