package recordstore

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

func newRecord(s *Store, id string, created time.Time, body []byte) *types.UploadRecord {
	rec := &types.UploadRecord{
		ID:         id,
		LocalPath:  s.CachePath(id),
		RemotePath: "/docs/" + id + ".txt",
		ParentID:   "folder-1",
		Length:     int64(len(body)),
		CreatedAt:  created,
	}
	if body != nil {
		_ = os.WriteFile(rec.LocalPath, body, 0644)
	}
	return rec
}

func TestStore_PersistAndLoad(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := newRecord(s, "r1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), []byte("hello"))
	rec.Overwrite = true
	require.NoError(t, s.Persist(rec))

	assert.FileExists(t, filepath.Join(s.Dir(), "r1.info"))
	assert.Equal(t, 1, s.Count())

	got, err := s.Load("r1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStore_PersistDuplicate(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := newRecord(s, "dup", time.Now(), []byte("x"))
	require.NoError(t, s.Persist(rec))

	err = s.Persist(rec)
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, serrors.CodeDuplicateID, serrors.GetCode(err))
}

func TestStore_PersistRequiresID(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	err = s.Persist(&types.UploadRecord{})
	assert.Equal(t, serrors.CodeInvalidRef, serrors.GetCode(err))
}

func TestStore_IDsWithSeparators(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := newRecord(s, "team/reports/q3.pdf", time.Now(), []byte("pdf"))
	require.NoError(t, s.Persist(rec))

	assert.Equal(t, s.Dir(), filepath.Dir(s.Path(rec.ID)))
	got, err := s.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := newRecord(s, "r1", time.Now(), []byte("x"))
	require.NoError(t, s.Persist(rec))

	require.NoError(t, s.Remove("r1"))
	require.NoError(t, s.Remove("r1"))
	assert.NoFileExists(t, s.Path("r1"))
	// cached bytes are left alone
	assert.FileExists(t, rec.LocalPath)

	_, err = s.Load("r1")
	assert.Equal(t, serrors.CodeRecordNotFound, serrors.GetCode(err))
}

func TestStore_PurgeRemovesOwnedCache(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	owned := newRecord(s, "owned", time.Now(), []byte("x"))
	require.NoError(t, s.Persist(owned))
	require.NoError(t, s.Purge(owned))
	assert.NoFileExists(t, s.Path("owned"))
	assert.NoFileExists(t, owned.LocalPath)

	outside := filepath.Join(t.TempDir(), "user-file")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0644))
	foreign := &types.UploadRecord{ID: "foreign", LocalPath: outside, Length: 4, CreatedAt: time.Now()}
	require.NoError(t, s.Persist(foreign))
	require.NoError(t, s.Purge(foreign))
	assert.NoFileExists(t, s.Path("foreign"))
	assert.FileExists(t, outside)
}

func TestStore_OpenRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tmpPrefix+"123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, 0, s.Count())
}

func TestStore_OpenUnwritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })

	_, err := Open(dir)
	assert.Equal(t, serrors.CodeIOFailure, serrors.GetCode(err))
}

func TestStore_RecoverAllOrdersOldestFirst(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	// persisted out of creation order
	for _, tc := range []struct {
		id  string
		age time.Duration
	}{{"c", 3 * time.Minute}, {"a", time.Minute}, {"b", 2 * time.Minute}} {
		require.NoError(t, s.Persist(newRecord(s, tc.id, base.Add(tc.age), []byte(tc.id+"-body"))))
	}

	var ids []string
	for rec := range s.RecoverAll() {
		ids = append(ids, rec.ID)
		assert.Equal(t, int64(len(rec.ID+"-body")), rec.Length)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStore_RecoverAllUsesCurrentFileLength(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	grown := newRecord(s, "grown", time.Now(), []byte("12"))
	require.NoError(t, s.Persist(grown))
	require.NoError(t, os.WriteFile(grown.LocalPath, []byte("123456"), 0644))

	gone := newRecord(s, "gone", time.Now().Add(time.Second), []byte("abc"))
	require.NoError(t, s.Persist(gone))
	require.NoError(t, os.Remove(gone.LocalPath))

	got := map[string]int64{}
	for rec := range s.RecoverAll() {
		got[rec.ID] = rec.Length
	}
	assert.Equal(t, map[string]int64{"grown": 6, "gone": 0}, got)
}

func TestStore_RecoverAllSkipsCorrupt(t *testing.T) {
	var logs bytes.Buffer
	s, err := Open(t.TempDir(), WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)

	require.NoError(t, s.Persist(newRecord(s, "good", time.Now(), []byte("x"))))

	// short frame
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "short.info"), []byte{1, 2, 3}, 0644))

	// CRC mismatch
	bad := encodeFrame([]byte(`{"id":"crc"}`))
	bad[len(bad)-2] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "crc.info"), bad, 0644))

	// valid frame, invalid JSON
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "json.info"), encodeFrame([]byte("{not json")), 0644))

	// length header larger than the file
	trunc := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(trunc, 1000)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "trunc.info"), trunc, 0644))

	var ids []string
	for rec := range s.RecoverAll() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"good"}, ids)
	assert.Equal(t, 4, bytes.Count(logs.Bytes(), []byte("skipping unreadable record")))
}

func TestStore_RecoverAllStopsEarly(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Persist(newRecord(s, id, time.Unix(int64(i), 0), []byte("x"))))
	}

	var first []string
	for rec := range s.RecoverAll() {
		first = append(first, rec.ID)
		break
	}
	assert.Equal(t, []string{"a"}, first)

	all := slices.Collect(s.RecoverAll())
	assert.Len(t, all, 3)
}

func TestFrame(t *testing.T) {
	payload := []byte(`{"id":"x"}`)
	frame := encodeFrame(payload)
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(frame[0:4]))

	got, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = decodeFrame(frame[:5])
	assert.Error(t, err)
	_, err = decodeFrame(frame[:len(frame)-1])
	assert.Error(t, err)
}
