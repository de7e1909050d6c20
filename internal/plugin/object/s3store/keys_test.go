package s3store

import (
	"testing"

	"github.com/chirino/graph-memory-service/internal/faults"
	"github.com/stretchr/testify/require"
)

func TestDocumentKey(t *testing.T) {
	key := DocumentKey("tenant-a", "report.pdf", "deadbeefcafe0123")
	require.Equal(t, "tenant-a/documents/deadbeef_report.pdf", key)

	// Short hashes are used as-is.
	require.Equal(t, "m/documents/ab_f.txt", DocumentKey("m", "f.txt", "ab"))
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		"..\\..\\windows\\cmd":  "cmd",
		"weird name (1).txt":    "weird_name__1_.txt",
		"ünïcode.txt":           "_n_code.txt",
		"...":                   "file",
		"":                      "file",
		"/absolute/path/to.doc": "to.doc",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestResolveKey(t *testing.T) {
	require.Equal(t, "m/documents/ab_f.txt", ResolveKey("bucket", "s3://bucket/m/documents/ab_f.txt"))
	require.Equal(t, "m/documents/ab_f.txt", ResolveKey("bucket", "m/documents/ab_f.txt"))
	// Foreign bucket URIs pass through unchanged and then fail the
	// namespace prefix check.
	require.Equal(t, "s3://other/m/doc", ResolveKey("bucket", "s3://other/m/doc"))
}

func TestAuthorizedKeyFailsClosed(t *testing.T) {
	s := &Store{bucket: "bucket"}

	key, err := s.authorizedKey("tenant-a", "tenant-a/documents/ab_f.txt")
	require.NoError(t, err)
	require.Equal(t, "tenant-a/documents/ab_f.txt", key)

	_, err = s.authorizedKey("tenant-a", "tenant-b/documents/ab_f.txt")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))

	_, err = s.authorizedKey("tenant-a", "s3://other/tenant-a/documents/ab_f.txt")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))

	_, err = s.authorizedKey("", "tenant-a/documents/ab_f.txt")
	require.Equal(t, faults.ClassPermissionDenied, faults.Classify(err))
}
