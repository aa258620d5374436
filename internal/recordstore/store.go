// Package recordstore persists upload records so pending uploads survive a restart.
//
// Each record lives in its own file, <dir>/<id>.info, holding a single
// [length:4][crc32:4][json] frame. Files are written to a temp name, fsynced and
// renamed into place, so a crash at any point leaves either the old state or a
// complete record.
package recordstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

const (
	infoExt   = ".info"
	tmpPrefix = ".tmp-"
)

// ErrExists is returned by Persist when a record for the id is already stored.
var ErrExists = serrors.New(serrors.ErrCategoryStorage, serrors.CodeDuplicateID, "upload record already exists")

// Store is a directory of upload records.
type Store struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report skipped records during recovery.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the record directory and removes temp files
// left behind by an interrupted Persist.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, serrors.NewStorageError(serrors.CodeIOFailure, "create record directory", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeIOFailure, "read record directory", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), tmpPrefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	// Fail now rather than on the first Persist if the directory is read-only.
	probe, err := os.CreateTemp(dir, tmpPrefix+"probe-")
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeIOFailure, "record directory is not writable", err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return s, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record file path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, fileName(id)+infoExt)
}

// CachePath returns the default location of the cached bytes for id.
func (s *Store) CachePath(id string) string {
	return filepath.Join(s.dir, fileName(id))
}

// fileName makes an id safe to use as a single path element. Backend ids
// such as object keys may contain separators.
func fileName(id string) string {
	return url.QueryEscape(id)
}

// Persist durably writes rec. It fails with ErrExists when a record with the
// same id is already stored.
func (s *Store) Persist(rec *types.UploadRecord) error {
	if rec == nil || rec.ID == "" {
		return serrors.NewValidationError(serrors.CodeInvalidRef, "record id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return serrors.NewInternalError("encode upload record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.Path(rec.ID)
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	} else if !os.IsNotExist(err) {
		return serrors.NewStorageError(serrors.CodeIOFailure, "stat upload record", err)
	}

	if err := writeAtomic(s.dir, target, encodeFrame(payload)); err != nil {
		return serrors.NewStorageError(serrors.CodeIOFailure, "persist upload record", err).
			WithDetails(map[string]any{"id": rec.ID})
	}
	return nil
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tmpPrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads the stored record for id.
func (s *Store) Load(id string) (*types.UploadRecord, error) {
	rec, err := readRecord(s.Path(id))
	if os.IsNotExist(err) {
		return nil, serrors.NewStorageError(serrors.CodeRecordNotFound, "upload record not found", err)
	}
	return rec, err
}

// Remove deletes the record for id. A missing record is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return serrors.NewStorageError(serrors.CodeIOFailure, "remove upload record", err)
	}
	return nil
}

// Purge removes the record and, when the cached bytes live inside the store
// directory, the cached bytes as well.
func (s *Store) Purge(rec *types.UploadRecord) error {
	if err := s.Remove(rec.ID); err != nil {
		return err
	}
	if rec.LocalPath == "" || !s.owns(rec.LocalPath) {
		return nil
	}
	if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
		return serrors.NewStorageError(serrors.CodeIOFailure, "remove cached file", err)
	}
	return nil
}

func (s *Store) owns(p string) bool {
	rel, err := filepath.Rel(s.dir, p)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if isRecordFile(e) {
			n++
		}
	}
	return n
}

func isRecordFile(e fs.DirEntry) bool {
	return !e.IsDir() && strings.HasSuffix(e.Name(), infoExt) && !strings.HasPrefix(e.Name(), tmpPrefix)
}

// RecoverAll yields every stored record, oldest first. Each record's Length is
// replaced with the current size of its cached file, or 0 when the file is gone.
// Records that cannot be read or decoded are logged and skipped.
//
// The directory is read when iteration starts, not when RecoverAll is called.
func (s *Store) RecoverAll() iter.Seq[*types.UploadRecord] {
	return func(yield func(*types.UploadRecord) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.logger.Error().Err(err).Str("dir", s.dir).Msg("recordstore: failed to list records")
			return
		}

		type found struct {
			rec   *types.UploadRecord
			order time.Time
		}
		var recs []found

		for _, e := range entries {
			if !isRecordFile(e) {
				continue
			}
			p := filepath.Join(s.dir, e.Name())
			rec, err := readRecord(p)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", p).Msg("recordstore: skipping unreadable record")
				continue
			}

			order := rec.CreatedAt
			if order.IsZero() {
				if info, err := e.Info(); err == nil {
					order = info.ModTime()
				}
			}

			if rec.LocalPath == "" {
				rec.LocalPath = s.CachePath(rec.ID)
			}
			rec.Length = 0
			if info, err := os.Stat(rec.LocalPath); err == nil && info.Mode().IsRegular() {
				rec.Length = info.Size()
			}

			recs = append(recs, found{rec: rec, order: order})
		}

		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].order.Equal(recs[j].order) {
				return recs[i].order.Before(recs[j].order)
			}
			return recs[i].rec.ID < recs[j].rec.ID
		})

		for _, f := range recs {
			if !yield(f.rec) {
				return
			}
		}
	}
}

func readRecord(path string) (*types.UploadRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := decodeFrame(data)
	if err != nil {
		return nil, serrors.NewStorageError(serrors.CodeCorruptRecord, "decode upload record", err)
	}
	var rec types.UploadRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, serrors.NewStorageError(serrors.CodeCorruptRecord, "parse upload record", err)
	}
	if rec.ID == "" {
		return nil, serrors.New(serrors.ErrCategoryStorage, serrors.CodeCorruptRecord, "upload record has no id")
	}
	return &rec, nil
}
