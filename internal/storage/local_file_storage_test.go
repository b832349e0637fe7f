package storage_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ferry/internal/storage"

	"github.com/stretchr/testify/require"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeTemp stores payload in a scratch file obtained from the engine.
func writeTemp(t *testing.T, engine *storage.LocalFileStorage, payload []byte) string {
	t.Helper()

	f, err := engine.CreateTemp("object-*")
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLocalFileStorageWriteAndOpenPart(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	require.NoError(t, engine.CreateUpload("u1"))

	payload := []byte("part payload")
	size, hashHex, err := engine.WritePart("u1", 3, bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)
	require.Equal(t, hashOf(payload), hashHex)

	_, err = os.Stat(filepath.Join(dataDir, "uploads", "u1", "part-000003"))
	require.NoError(t, err, "part file should use the zero padded layout")

	f, err := engine.OpenPart("u1", 3)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLocalFileStorageRewritePart(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())
	require.NoError(t, engine.CreateUpload("u1"))

	_, _, err := engine.WritePart("u1", 1, strings.NewReader("first"))
	require.NoError(t, err)
	_, hashHex, err := engine.WritePart("u1", 1, strings.NewReader("second"))
	require.NoError(t, err)
	require.Equal(t, hashOf([]byte("second")), hashHex)

	f, err := engine.OpenPart("u1", 1)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestLocalFileStorageFailedWriteKeepsOldPart(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())
	require.NoError(t, engine.CreateUpload("u1"))

	_, _, err := engine.WritePart("u1", 1, strings.NewReader("good"))
	require.NoError(t, err)

	_, _, err = engine.WritePart("u1", 1, io.MultiReader(strings.NewReader("partial"), failingReader{}))
	require.Error(t, err)

	f, err := engine.OpenPart("u1", 1)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "good", string(got))
}

func TestLocalFileStorageUnknownUpload(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())

	_, _, err := engine.WritePart("missing", 1, strings.NewReader("x"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, engine.RemoveUpload("missing"), "removing an unknown upload is not an error")
}

func TestLocalFileStorageRejectsTraversal(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())

	for _, id := range []string{"", ".", "..", "../escape", "a/b"} {
		require.Errorf(t, engine.CreateUpload(id), "upload id %q", id)
	}

	_, err := engine.PartPath("u1", 0)
	require.Error(t, err)

	_, err = storage.ObjectPath("/data", "../other", strings.Repeat("0", 64))
	require.Error(t, err)

	_, err = storage.ObjectPath("/data", "alice", "a")
	require.Error(t, err, "hash shorter than 2 characters")
}

func TestLocalFileStorageRemoveUpload(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)
	require.NoError(t, engine.CreateUpload("u1"))
	_, _, err := engine.WritePart("u1", 1, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, engine.RemoveUpload("u1"))
	_, err = os.Stat(filepath.Join(dataDir, "uploads", "u1"))
	require.True(t, os.IsNotExist(err))
}

func TestLocalFileStoragePutAndOpenObject(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	payload := []byte("hello local storage")
	hashHex := hashOf(payload)
	tmp := writeTemp(t, engine, payload)

	require.NoError(t, engine.PutObjectFromFile("alice", hashHex, tmp, int64(len(payload))))

	objPath := filepath.Join(dataDir, "objects", "alice", hashHex[:2], hashHex)
	info, err := os.Stat(objPath)
	require.NoError(t, err, "expected object file to exist")
	require.False(t, info.IsDir())

	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err), "temp file should have been moved")

	f, err := engine.OpenObject("alice", hashHex)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = engine.OpenObject("bob", hashHex)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalFileStorageHardLinksAcrossNamespaces(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	payload := []byte("shared payload")
	hashHex := hashOf(payload)

	require.NoError(t, engine.PutObjectFromFile("alice", hashHex, writeTemp(t, engine, payload), int64(len(payload))))

	tmp := writeTemp(t, engine, payload)
	require.NoError(t, engine.PutObjectFromFile("bob", hashHex, tmp, int64(len(payload))))

	info1, err := os.Stat(filepath.Join(dataDir, "objects", "alice", hashHex[:2], hashHex))
	require.NoError(t, err)
	info2, err := os.Stat(filepath.Join(dataDir, "objects", "bob", hashHex[:2], hashHex))
	require.NoError(t, err)

	require.True(t, os.SameFile(info1, info2), "files should be hard-linked (same inode)")

	_, err = os.Stat(tmp)
	require.NoError(t, err, "a linked payload leaves the temp file for the caller to remove")
}

func TestLocalFileStoragePutSameObjectTwice(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())

	payload := []byte("same")
	hashHex := hashOf(payload)

	require.NoError(t, engine.PutObjectFromFile("alice", hashHex, writeTemp(t, engine, payload), 4))
	require.NoError(t, engine.PutObjectFromFile("alice", hashHex, writeTemp(t, engine, payload), 4))
}

func TestMoveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	require.NoError(t, storage.MoveFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestCopyOrLinkFileReplacesDestination(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old contents"), 0o644))

	require.NoError(t, storage.CopyOrLinkFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
	require.NoError(t, storage.CopyOrLinkFile(src, src))
}
