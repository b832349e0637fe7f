package upload

import (
	"context"
	"fmt"
	"log/slog"

	"ferry/pkg/plan"
	"ferry/pkg/schema"
)

// SessionController opens sessions and works out which parts of an existing
// session still have to be sent.
type SessionController struct {
	transport Transport
	log       *slog.Logger
}

func NewSessionController(t Transport, logger *slog.Logger) *SessionController {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionController{transport: t, log: logger}
}

// Initialize creates the session for target. It makes exactly one call to
// the backend and never retries.
func (c *SessionController) Initialize(ctx context.Context, target Target, partSize int64) (schema.Session, error) {
	req := schema.CreateSessionRequest{
		Name:        target.Name,
		Size:        target.Size,
		PartSize:    partSize,
		ContentType: target.ContentType,
		Key:         target.Key,
	}

	session, err := c.transport.CreateSession(ctx, req)
	if err != nil {
		return schema.Session{}, &InitializationError{Name: target.Name, Err: err}
	}

	if session.UploadID == "" {
		return schema.Session{}, &InitializationError{Name: target.Name, Err: fmt.Errorf("backend returned an empty upload id")}
	}

	// Older backends do not echo the layout back.
	if session.Size == 0 {
		session.Size = target.Size
	}
	if session.PartSize == 0 {
		session.PartSize = partSize
	}

	c.log.Info("Created upload session", "upload_id", session.UploadID, "key", session.Key)
	return session, nil
}

// ResolveMissingParts queries the parts the backend is still waiting for and
// checks each of them against the local plan. An empty result means the
// session is ready to be finalized.
func (c *SessionController) ResolveMissingParts(ctx context.Context, session schema.Session, p plan.Plan) ([]schema.Part, error) {
	missing, err := c.transport.MissingParts(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("query missing parts of %s: %w", session.UploadID, err)
	}

	seen := make(map[int]bool, len(missing))
	for _, m := range missing {
		if m.Number < 1 || m.Number > len(p.Parts) {
			return nil, fmt.Errorf("%w: part %d is outside 1..%d", ErrPlanMismatch, m.Number, len(p.Parts))
		}

		want := p.Parts[m.Number-1]
		if m.Start != want.Start || m.End != want.End {
			return nil, fmt.Errorf("%w: part %d covers [%d, %d), expected [%d, %d)",
				ErrPlanMismatch, m.Number, m.Start, m.End, want.Start, want.End)
		}

		if seen[m.Number] {
			return nil, fmt.Errorf("%w: part %d listed twice", ErrPlanMismatch, m.Number)
		}
		seen[m.Number] = true
	}

	c.log.Debug("Resolved missing parts", "upload_id", session.UploadID, "missing", len(missing), "total", len(p.Parts))
	return missing, nil
}
