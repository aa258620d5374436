package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadRecord_Names(t *testing.T) {
	rec := &UploadRecord{ID: "abc", RemotePath: "/docs/reports/q3.pdf"}
	assert.Equal(t, "q3.pdf", rec.Name())
	assert.Equal(t, "/docs/reports", rec.ParentPath())

	bare := &UploadRecord{ID: "abc"}
	assert.Equal(t, "abc", bare.Name())
	assert.Equal(t, "", bare.ParentPath())
}

func TestUploadRecord_JSONOmitsAttempts(t *testing.T) {
	rec := &UploadRecord{
		ID:         "n1",
		LocalPath:  "/cache/n1",
		RemotePath: "/a/b.txt",
		ParentID:   "p1",
		Length:     100,
		CreatedAt:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Attempts:   3,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Attempts")

	var back UploadRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, back.Attempts)
	back.Attempts = 3
	assert.Equal(t, *rec, back)
}

func TestUploadRecord_Clone(t *testing.T) {
	rec := &UploadRecord{ID: "x", Length: 5}
	cp := rec.Clone()
	cp.Length = 9
	assert.Equal(t, int64(5), rec.Length)

	var nilRec *UploadRecord
	assert.Nil(t, nilRec.Clone())
}

func TestFailReason_Text(t *testing.T) {
	for _, r := range AllFailReasons() {
		b, err := r.MarshalText()
		require.NoError(t, err)

		var back FailReason
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, r, back)
	}

	r, err := ParseFailReason("nofoldernode")
	require.NoError(t, err)
	assert.Equal(t, NoFolderNode, r)

	_, err = ParseFailReason("Timeout")
	assert.Error(t, err)
	assert.Equal(t, "FailReason(42)", FailReason(42).String())
}

func TestFailReason_Terminal(t *testing.T) {
	terminal := map[FailReason]bool{
		ZeroLength:      true,
		NoResultNode:    false,
		NoFolderNode:    true,
		NoOverwriteNode: true,
		Conflict:        false,
		Unexpected:      false,
		Cancelled:       true,
	}
	for r, want := range terminal {
		assert.Equal(t, want, r.Terminal(), r.String())
	}
}
