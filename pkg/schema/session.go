package schema

// CreateSessionRequest is the body of the session creation call.
type CreateSessionRequest struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	PartSize    int64  `json:"part_size"`
	ContentType string `json:"content_type,omitempty"`
	Key         string `json:"key,omitempty"`
}

// Session identifies one multi-part upload on the backend. Size and
// PartSize echo the creation request so that a resumed attempt derives the
// same part layout as the attempt that created the session.
type Session struct {
	UploadID string `json:"upload_id"`
	Key      string `json:"key"`
	Size     int64  `json:"size,omitempty"`
	PartSize int64  `json:"part_size,omitempty"`
}

// Part describes one contiguous byte range of the source object. Start is
// inclusive and End is exclusive.
type Part struct {
	Number int   `json:"part_number"`
	Start  int64 `json:"start"`
	End    int64 `json:"end"`
}

// Size returns the number of bytes covered by the part.
func (p Part) Size() int64 {
	return p.End - p.Start
}

// PartResult is the backend acknowledgement of a transmitted part.
type PartResult struct {
	Number int    `json:"part_number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// CompletedPart is a single manifest entry.
type CompletedPart struct {
	Number int    `json:"part_number"`
	ETag   string `json:"etag"`
}

// MissingPartsResponse lists the parts the backend has not yet acknowledged,
// ordered by part number.
type MissingPartsResponse struct {
	Parts []Part `json:"parts"`
}

// CompleteRequest carries the ordered manifest submitted to finalize.
type CompleteRequest struct {
	Parts []CompletedPart `json:"parts"`
}

// Result is returned once an object has been finalized.
type Result struct {
	Key  string `json:"key"`
	ETag string `json:"etag"`
}

// SessionState is the backend-side lifecycle of a session.
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionComplete SessionState = "complete"
	SessionAborted  SessionState = "aborted"
)

// Status reports what the backend knows about a session: the acknowledged
// parts and, once the object is finalized, its overall validation tag.
type Status struct {
	Session
	State SessionState `json:"state"`
	Parts []PartResult `json:"parts"`
	ETag  string       `json:"etag,omitempty"`
}

// Error is the JSON body returned with every non-2xx response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
