// Package blobstore ports the content-addressed object store: listing
// blobs under a prefix, reading byte ranges, and checking existence by
// ETag, against an S3-compatible backend.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

// Object describes one blob under a prefix.
type Object struct {
	Key  string
	Size int64
	// ETag is the store's content hash for this object, quotes stripped.
	// The indexer treats the first 32 characters as the key's version.
	ETag string
}

// Store is the blob-store port the indexer, planner, and reader depend on.
// It is satisfied by S3Store in production and by a MemStore fake in
// tests.
type Store interface {
	// List returns every object under prefix whose basename matches
	// glob (fnmatch-style), skipping zero-size objects.
	List(ctx context.Context, bucket, prefix, glob string) ([]Object, error)

	// ReadRange returns a reader over bytes [offset, offset+length) of
	// key. A negative length reads to the end of the object.
	ReadRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)

	// Head returns the object's metadata without reading its body.
	Head(ctx context.Context, bucket, key string) (Object, error)
}

// RelativeKey simplifies a blob key relative to a common prefix, stripping
// Spark/Hadoop-style partition UUIDs from the basename (six hyphenated hex
// groups just before the extension), e.g.
// "foo/bar/part-00015-59b75a7e-...-c000.json" -> "bar/part-00015.json".
func RelativeKey(key, commonPrefix string) string {
	rel := strings.TrimPrefix(key, commonPrefix)
	return uuidSuffix.ReplaceAllString(rel, ".")
}

var uuidSuffix = regexp.MustCompile(`(?i)(?:-[0-9a-f]+){6}\.`)

// SplitBucket parses "bucket/key" or "s3://bucket/key" into its bucket and
// key parts.
func SplitBucket(s string) (bucket, key string, ok bool) {
	s = strings.TrimPrefix(s, "s3://")
	i := strings.Index(s, "/")
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

// URI formats an S3 URI for a bucket/path pair.
func URI(bucket, p string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, p)
}

func matchGlob(glob, name string) bool {
	if glob == "" {
		return true
	}
	ok, err := path.Match(glob, name)
	return err == nil && ok
}
