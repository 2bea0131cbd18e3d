package alidns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autocert "github.com/caasmo/aliyun-autocert"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alidns_records")
	s := NewFileStore(dir)

	_, found, err := s.Get("_acme-challenge.example.com")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save("_acme-challenge.example.com", "12345"))

	data, err := os.ReadFile(filepath.Join(dir, "_acme-challenge_example_com.txt"))
	require.NoError(t, err)
	assert.Equal(t, "_acme-challenge.example.com:12345", string(data))

	id, found, err := s.Get("_acme-challenge.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "12345", id)

	require.NoError(t, s.Remove("_acme-challenge.example.com"))
	_, found, err = s.Get("_acme-challenge.example.com")
	require.NoError(t, err)
	assert.False(t, found)

	// Removing twice is fine.
	assert.NoError(t, s.Remove("_acme-challenge.example.com"))
}

func TestFileStoreIgnoresForeignMarker(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	// "_acme-challenge_example.com" sanitizes to the same file name.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, MarkerName("_acme-challenge.example.com")),
		[]byte("_acme-challenge_example.com:999"), 0o600))

	_, found, err := s.Get("_acme-challenge.example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStorePending(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alidns_records")
	s := NewFileStore(dir)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.Save("_acme-challenge.www.example.com", "2"))
	require.NoError(t, s.Save("_acme-challenge.example.com", "1"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o600))

	pending, err = s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []autocert.ChallengeRecord{
		{ValidationName: "_acme-challenge.example.com", RecordID: "1"},
		{ValidationName: "_acme-challenge.www.example.com", RecordID: "2"},
	}, pending)

	require.NoError(t, s.Remove("_acme-challenge.example.com"))
	pending, err = s.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Save("a", "1"))
	id, found, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", id)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Remove("a"))
	assert.Equal(t, 0, s.Len())
}
