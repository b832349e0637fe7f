package upload

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Target is the object being uploaded. The source is read through ReadAt so
// that any number of parts can be transmitted concurrently from the same
// handle.
type Target struct {
	Source      io.ReaderAt
	Name        string
	Size        int64
	Key         string
	ContentType string
}

// FileTarget builds a Target from an open file. An empty key lets the
// backend choose the destination key.
func FileTarget(f *os.File, key string) (Target, error) {
	info, err := f.Stat()
	if err != nil {
		return Target{}, fmt.Errorf("stat %s: %w", f.Name(), err)
	}

	if info.IsDir() {
		return Target{}, fmt.Errorf("%s is a directory", f.Name())
	}

	name := filepath.Base(f.Name())
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return Target{
		Source:      f,
		Name:        name,
		Size:        info.Size(),
		Key:         key,
		ContentType: contentType,
	}, nil
}
