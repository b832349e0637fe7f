package upload

import (
	"context"
	"io"

	"ferry/pkg/schema"
)

// Transport is the part-oriented protocol spoken with the storage backend.
// Implementations must be safe for concurrent use; UploadPart is called from
// several workers at once.
type Transport interface {
	// CreateSession opens a new multi-part upload.
	CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.Session, error)

	// MissingParts returns the parts of the session that the backend has not
	// acknowledged yet, ordered by part number.
	MissingParts(ctx context.Context, session schema.Session) ([]schema.Part, error)

	// UploadPart transmits the bytes of a single part. body yields exactly
	// part.Size() bytes.
	UploadPart(ctx context.Context, session schema.Session, part schema.Part, body io.Reader) (schema.PartResult, error)

	// Status reports the state of the session. For a pending session it
	// lists every stored part with its tag; a resume refuses a session whose
	// stored parts cannot all be named in the manifest.
	Status(ctx context.Context, session schema.Session) (schema.Status, error)

	// Finalize assembles the object from the ordered manifest.
	Finalize(ctx context.Context, session schema.Session, parts []schema.CompletedPart) (schema.Result, error)

	// Abort discards the session. Aborting a session the backend no longer
	// knows is not an error.
	Abort(ctx context.Context, session schema.Session) error
}
