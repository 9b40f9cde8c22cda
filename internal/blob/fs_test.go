package blob_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisbase/lexcrawl/internal/blob"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	fs, err := blob.NewFS(t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	ref := "raw/kr/kr-statutes/ab/abcdef.html"
	stored, err := fs.Save(ctx, ref, []byte("<html>act</html>"))
	require.NoError(t, err)
	assert.Equal(t, ref, stored)

	data, err := fs.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>act</html>"), data)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fs, err := blob.NewFS(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()

	ref := "raw/kr/doc.html"
	_, err = fs.Save(ctx, ref, []byte("v1"))
	require.NoError(t, err)
	_, err = fs.Save(ctx, ref, []byte("v2"))
	require.NoError(t, err)

	data, err := fs.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "raw", "kr"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.html", entries[0].Name())
}

func TestSaveEnforcesSizeCap(t *testing.T) {
	t.Parallel()
	fs, err := blob.NewFS(t.TempDir(), 8)
	require.NoError(t, err)

	_, err = fs.Save(context.Background(), "raw/big.html", []byte("0123456789"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")

	_, err = fs.Save(context.Background(), "raw/ok.html", []byte("01234567"))
	assert.NoError(t, err)
}

func TestRefsCannotEscapeRoot(t *testing.T) {
	t.Parallel()
	fs, err := blob.NewFS(t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	for _, ref := range []string{"", "../outside.html", "a/../../outside.html", "/etc/passwd"} {
		_, err := fs.Save(ctx, ref, []byte("x"))
		assert.Error(t, err, "ref %q", ref)
		_, err = fs.Load(ctx, ref)
		assert.Error(t, err, "ref %q", ref)
	}
}

func TestLoadMissingBlob(t *testing.T) {
	t.Parallel()
	fs, err := blob.NewFS(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = fs.Load(context.Background(), "raw/kr/nope.html")
	assert.Error(t, err)
}
