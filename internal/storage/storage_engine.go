package storage

import (
	"io"
	"os"
)

// StorageEngine holds the payloads of the reference backend: the parts of
// in-progress uploads, and finalized objects addressed by the SHA-256 of
// their content within an owner's namespace.
type StorageEngine interface {
	// CreateUpload prepares the part area of a new upload.
	CreateUpload(uploadID string) error

	// WritePart stores the payload of one part, replacing any earlier copy,
	// and returns its size and SHA-256 hexadecimal hash.
	WritePart(uploadID string, partNumber int, r io.Reader) (int64, string, error)

	// OpenPart opens a previously written part for reading.
	OpenPart(uploadID string, partNumber int) (*os.File, error)

	// RemoveUpload discards every part of an upload. Removing an unknown
	// upload is not an error.
	RemoveUpload(uploadID string) error

	// CreateTemp creates a scratch file on the same filesystem as the
	// stored objects.
	CreateTemp(pattern string) (*os.File, error)

	// PutObjectFromFile stores the payload at tempPath under its hash.
	PutObjectFromFile(namespace string, hashHex string, tempPath string, size int64) error

	// OpenObject opens a stored payload for reading.
	OpenObject(namespace string, hashHex string) (*os.File, error)
}
