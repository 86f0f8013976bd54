// Package storage archives snapshots and compacted segments to a local
// directory or an S3 bucket.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Archive stores files under slash-separated keys.
type Archive interface {
	// Put copies the file at localPath to key, replacing any existing object.
	Put(ctx context.Context, localPath, key string) error

	// Get copies the object at key to localPath.
	// Returns ErrObjectNotFound if the key does not exist.
	Get(ctx context.Context, key, localPath string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SnapshotKey returns the archive key of a snapshot file.
func SnapshotKey(node, name string) string {
	return path.Join(node, "snapshots", name)
}

// SegmentKey returns the archive key of a compacted segment file.
func SegmentKey(node, route, name string) string {
	return path.Join(node, "segments", route, name)
}

// BaseName returns the last element of key.
func BaseName(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
