package s3store

import (
	"path"
	"strings"
)

// DocumentKey derives the deterministic storage key for a document:
// {namespace}/documents/{hash8}_{filename}. Content-derived keys make
// re-uploads of identical bytes idempotent.
func DocumentKey(namespace, filename, hash string) string {
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	return namespace + "/documents/" + short + "_" + SanitizeFilename(filename)
}

// SanitizeFilename strips directory components and reduces the name to a
// safe charset. Path traversal in a user-supplied filename must never
// influence the storage key.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// ResolveKey accepts either a bare object key or an s3://bucket/key URI and
// returns the key. URIs for a different bucket resolve to a key that will
// fail the namespace check.
func ResolveKey(bucket, keyOrURI string) string {
	uriPrefix := "s3://" + bucket + "/"
	if strings.HasPrefix(keyOrURI, uriPrefix) {
		return strings.TrimPrefix(keyOrURI, uriPrefix)
	}
	return keyOrURI
}
