// Package remote defines the backend the upload engine talks to and ships
// two implementations: a local sqlite-catalogued store and S3.
package remote

import (
	"context"
	"io"
	"os"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

// Classified backend errors. Anything else returned by a Client is treated as a
// transient transport failure.
var (
	// ErrConflict means a node with the requested name already exists under the parent.
	ErrConflict = serrors.New(serrors.ErrCategoryRemote, serrors.CodeRemoteConflict, "node already exists")

	// ErrNotFound means the addressed parent or node does not exist.
	ErrNotFound = serrors.New(serrors.ErrCategoryRemote, serrors.CodeRemoteNotFound, "node not found")
)

// ContentSource opens the bytes to send. It is called once per transfer, so a
// retried upload rereads the file from the start.
type ContentSource func() (io.ReadCloser, error)

// ProgressFunc receives the cumulative number of bytes sent. A non-nil return
// aborts the transfer with that error.
type ProgressFunc func(done int64) error

// Client is a remote file tree.
type Client interface {
	// GetNode returns the node with id, or (nil, nil) when it does not exist.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// GetChild returns the child of parentID called name, or (nil, nil).
	GetChild(ctx context.Context, parentID, name string) (*types.Node, error)

	// UploadNew creates a file called name under parentID. It fails with
	// ErrConflict when the name is taken and ErrNotFound when the parent is gone.
	UploadNew(ctx context.Context, parentID, name string, src ContentSource, progress ProgressFunc) (*types.Node, error)

	// Overwrite replaces the contents of file id. It fails with ErrNotFound when
	// the file is gone.
	Overwrite(ctx context.Context, id string, src ContentSource, progress ProgressFunc) (*types.Node, error)
}

// FileSource returns a ContentSource reading the file at path.
func FileSource(path string) ContentSource {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}
