package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStorage is a StorageEngine on the local filesystem. Parts live
// under uploads/<upload id>/part-NNNNNN. Objects live under
// objects/<namespace>/<hh>/<hash>, where hh is the first two characters of
// the hash; identical payloads in different namespaces share one inode.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

func (s *LocalFileStorage) uploadDir(uploadID string) (string, error) {
	if uploadID == "" || uploadID != filepath.Base(uploadID) || uploadID == "." || uploadID == ".." {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}
	return filepath.Join(s.dataDir, "uploads", uploadID), nil
}

// PartPath returns the path of a part file.
func (s *LocalFileStorage) PartPath(uploadID string, partNumber int) (string, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return "", err
	}
	if partNumber <= 0 {
		return "", fmt.Errorf("invalid part number %d", partNumber)
	}
	return filepath.Join(dir, fmt.Sprintf("part-%06d", partNumber)), nil
}

func (s *LocalFileStorage) CreateUpload(uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// WritePart streams r into a temporary file next to the part and renames it
// into place, so a part that fails halfway never replaces a good copy.
func (s *LocalFileStorage) WritePart(uploadID string, partNumber int, r io.Reader) (int64, string, error) {
	partPath, err := s.PartPath(uploadID, partNumber)
	if err != nil {
		return 0, "", err
	}

	dir := filepath.Dir(partPath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return 0, "", fmt.Errorf("upload %s: %w", uploadID, os.ErrNotExist)
	}

	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", err
	}

	if err := tmp.Close(); err != nil {
		return 0, "", err
	}

	if err := os.Rename(tmp.Name(), partPath); err != nil {
		return 0, "", err
	}

	return written, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *LocalFileStorage) OpenPart(uploadID string, partNumber int) (*os.File, error) {
	partPath, err := s.PartPath(uploadID, partNumber)
	if err != nil {
		return nil, err
	}
	return os.Open(partPath)
}

func (s *LocalFileStorage) RemoveUpload(uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalFileStorage) CreateTemp(pattern string) (*os.File, error) {
	dir := filepath.Join(s.dataDir, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, pattern)
}

// ObjectPath computes the full filesystem path for the object identified by
// hashHex within the given namespace.
func ObjectPath(directory string, namespace string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	if namespace == "" || namespace != filepath.Base(namespace) || namespace == "." || namespace == ".." {
		return "", fmt.Errorf("invalid namespace %q", namespace)
	}
	return filepath.Join(directory, "objects", namespace, hashHex[:2], hashHex), nil
}

// LocateExistingObject returns stored payloads in any namespace other than
// targetObject's own path that have the given hash and size.
func LocateExistingObject(directory string, targetObject string, hashHex string, size int64) []string {
	pattern := filepath.Join(directory, "objects", "*", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)

	results := make([]string, 0, len(matches))
	for _, existing := range matches {
		if existing == targetObject {
			continue
		}

		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}

		results = append(results, existing)
	}

	return results
}

// PutObjectFromFile stores the payload at tempPath. If the namespace already
// holds it the temp file is left alone; if another namespace holds it a hard
// link is created; otherwise the temp file is moved into place.
func (s *LocalFileStorage) PutObjectFromFile(namespace string, hashHex string, tempPath string, size int64) error {
	objPath, err := ObjectPath(s.dataDir, namespace, hashHex)
	if err != nil {
		return err
	}

	if info, err := os.Stat(objPath); err == nil && info.Mode().IsRegular() && info.Size() == size {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	for _, existing := range LocateExistingObject(s.dataDir, objPath, hashHex, size) {
		if err := CopyOrLinkFile(existing, objPath); err == nil {
			return nil
		}
	}

	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) OpenObject(namespace string, hashHex string) (*os.File, error) {
	objPath, err := ObjectPath(s.dataDir, namespace, hashHex)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("object %s/%s: %w", namespace, hashHex, os.ErrNotExist)
	}
	return f, err
}
