// Package types defines the shared data model of the upload pipeline.
package types

import (
	"path"
	"time"
)

// UploadRecord is the durable unit of work: one file's pending upload or overwrite.
//
// ID, Length and Overwrite never change once the record has been accepted; a record
// that is requeued after a transient failure carries the same values into its next
// attempt.
type UploadRecord struct {
	// ID is the remote node id for overwrites, or a locally generated id for new uploads.
	ID string `json:"id"`

	// LocalPath is the absolute path of the cached bytes driving the upload.
	LocalPath string `json:"local_path"`

	// RemotePath is the logical path used for display and naming, not for addressing.
	RemotePath string `json:"remote_path"`

	// ParentID is the destination folder node (new uploads only).
	ParentID string `json:"parent_id,omitempty"`

	// Length is the byte length recorded at enqueue time.
	Length int64 `json:"length"`

	// Overwrite replaces the node addressed by ID instead of creating a child of ParentID.
	Overwrite bool `json:"overwrite"`

	// CreatedAt orders recovery after a restart, oldest first.
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts started attempts. It is not persisted.
	Attempts int `json:"-"`
}

// Name returns the name the file gets under its destination folder.
func (r *UploadRecord) Name() string {
	if r.RemotePath == "" {
		return r.ID
	}
	return path.Base(r.RemotePath)
}

// ParentPath returns the logical folder path of RemotePath.
func (r *UploadRecord) ParentPath() string {
	if r.RemotePath == "" {
		return ""
	}
	return path.Dir(r.RemotePath)
}

// Clone returns a copy safe to hand to observers.
func (r *UploadRecord) Clone() *UploadRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// FileRef describes a local file the host wants uploaded.
type FileRef struct {
	// ID is optional for new uploads; one is generated when empty.
	ID         string `json:"id,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
	RemotePath string `json:"remote_path"`
	ParentID   string `json:"parent_id,omitempty"`
	Length     int64  `json:"length"`
}

// Node is a file or folder as seen by the remote backend.
type Node struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ParentID   string    `json:"parent_id,omitempty"`
	Path       string    `json:"path,omitempty"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}
