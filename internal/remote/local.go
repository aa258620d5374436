package remote

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

// RootID is the id of the local backend's root folder.
const RootID = "root"

const createNodesTableSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL,
    name TEXT NOT NULL,
    is_dir INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    etag TEXT NOT NULL DEFAULT '',
    modified_at INTEGER NOT NULL,
    UNIQUE (parent_id, name)
)`

// blobFanout is the number of blob subdirectories.
const blobFanout = 256

// LocalClient implements Client on the local filesystem. The folder tree lives
// in a sqlite catalog; file contents live under blobs/, spread over
// subdirectories by a murmur3 hash of the node id.
type LocalClient struct {
	root     string
	db       *sql.DB
	compress bool
	// mu serializes blob replacement with catalog updates for the same node.
	mu sync.Mutex
}

// LocalOption configures a LocalClient.
type LocalOption func(*LocalClient)

// WithCompression stores blobs as snappy framed streams.
func WithCompression(on bool) LocalOption {
	return func(c *LocalClient) { c.compress = on }
}

// NewLocalClient opens (creating if needed) a local backend rooted at root.
func NewLocalClient(root string, opts ...LocalOption) (*LocalClient, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("remote: failed to create local root: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(root, "catalog.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("remote: failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &LocalClient{root: root, db: db}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := db.Exec(createNodesTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: failed to initialize catalog: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO nodes (id, parent_id, name, is_dir, modified_at) VALUES (?, '', '', 1, ?)`,
		RootID, time.Now().UnixNano(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: failed to create root folder: %w", err)
	}
	return c, nil
}

// Close closes the catalog.
func (c *LocalClient) Close() error {
	return c.db.Close()
}

// GetNode implements Client.
func (c *LocalClient) GetNode(ctx context.Context, id string) (*types.Node, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, is_dir, size, etag, modified_at FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// GetChild implements Client.
func (c *LocalClient) GetChild(ctx context.Context, parentID, name string) (*types.Node, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, is_dir, size, etag, modified_at FROM nodes WHERE parent_id = ? AND name = ?`,
		parentID, name)
	return scanNode(row)
}

// Children lists the nodes directly under parentID, ordered by name.
func (c *LocalClient) Children(ctx context.Context, parentID string) ([]*types.Node, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, parent_id, name, is_dir, size, etag, modified_at FROM nodes WHERE parent_id = ? ORDER BY name`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to list children: %w", err)
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var (
		n        types.Node
		isDir    int
		modified int64
	)
	err := row.Scan(&n.ID, &n.ParentID, &n.Name, &isDir, &n.Size, &n.ETag, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remote: failed to read node: %w", err)
	}
	n.IsDir = isDir != 0
	n.ModifiedAt = time.Unix(0, modified).UTC()
	return &n, nil
}

// CreateFolder creates a folder called name under parentID.
func (c *LocalClient) CreateFolder(ctx context.Context, parentID, name string) (*types.Node, error) {
	if err := c.requireFolder(ctx, parentID); err != nil {
		return nil, err
	}
	n := &types.Node{
		ID:         uuid.NewString(),
		ParentID:   parentID,
		Name:       name,
		IsDir:      true,
		ModifiedAt: time.Now().UTC(),
	}
	if err := c.insert(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *LocalClient) requireFolder(ctx context.Context, id string) error {
	parent, err := c.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if parent == nil || !parent.IsDir {
		return fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	return nil
}

func (c *LocalClient) insert(ctx context.Context, n *types.Node) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO nodes (id, parent_id, name, is_dir, size, etag, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ParentID, n.Name, n.IsDir, n.Size, n.ETag, n.ModifiedAt.UnixNano())
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrConflict, n.Name)
	}
	if err != nil {
		return fmt.Errorf("remote: failed to insert node: %w", err)
	}
	return nil
}

// UploadNew implements Client.
func (c *LocalClient) UploadNew(ctx context.Context, parentID, name string, src ContentSource, progress ProgressFunc) (*types.Node, error) {
	if err := c.requireFolder(ctx, parentID); err != nil {
		return nil, err
	}
	existing, err := c.GetChild(ctx, parentID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, name)
	}

	id := uuid.NewString()
	size, etag, err := c.writeBlob(ctx, id, src, progress)
	if err != nil {
		return nil, err
	}

	n := &types.Node{
		ID:         id,
		ParentID:   parentID,
		Name:       name,
		Size:       size,
		ETag:       etag,
		ModifiedAt: time.Now().UTC(),
	}
	if err := c.insert(ctx, n); err != nil {
		_ = os.Remove(c.blobPath(id))
		return nil, err
	}
	return n, nil
}

// Overwrite implements Client.
func (c *LocalClient) Overwrite(ctx context.Context, id string, src ContentSource, progress ProgressFunc) (*types.Node, error) {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil || n.IsDir {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}

	size, etag, err := c.writeBlob(ctx, id, src, progress)
	if err != nil {
		return nil, err
	}

	n.Size, n.ETag, n.ModifiedAt = size, etag, time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		`UPDATE nodes SET size = ?, etag = ?, modified_at = ? WHERE id = ?`,
		n.Size, n.ETag, n.ModifiedAt.UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to update node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return n, nil
}

// Open returns the contents of file id.
func (c *LocalClient) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil || n.IsDir {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	f, err := os.Open(c.blobPath(id))
	if err != nil {
		return nil, fmt.Errorf("remote: failed to open blob: %w", err)
	}
	if !c.compress {
		return f, nil
	}
	return &snappyReadCloser{Reader: snappy.NewReader(f), f: f}, nil
}

type snappyReadCloser struct {
	*snappy.Reader
	f *os.File
}

func (s *snappyReadCloser) Close() error { return s.f.Close() }

// writeBlob streams src into the blob for id through a temp file, returning
// the uncompressed size and a murmur3 etag of the contents.
func (c *LocalClient) writeBlob(ctx context.Context, id string, src ContentSource, progress ProgressFunc) (int64, string, error) {
	in, err := src()
	if err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "open source", err)
	}
	defer in.Close()

	dest := c.blobPath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "create blob directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "create blob", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var w io.Writer = tmp
	var sw *snappy.Writer
	if c.compress {
		sw = snappy.NewBufferedWriter(tmp)
		w = sw
	}

	hash := murmur3.New128()
	pr := NewProgressReader(ctx, in, progress)
	size, err := io.Copy(io.MultiWriter(w, hash), pr)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", err
		}
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "copy blob", err)
	}
	if sw != nil {
		if err := sw.Close(); err != nil {
			return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "flush blob", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "close blob", err)
	}

	c.mu.Lock()
	err = os.Rename(tmp.Name(), dest)
	c.mu.Unlock()
	if err != nil {
		return 0, "", serrors.NewRemoteError(serrors.CodeTransferFailed, "commit blob", err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func (c *LocalClient) blobPath(id string) string {
	bucket := murmur3.Sum32([]byte(id)) % blobFanout
	return filepath.Join(c.root, "blobs", fmt.Sprintf("%02x", bucket), id)
}
