package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ferry/pkg/schema"

	"github.com/cenkalti/backoff/v4"
)

type partStatus int

const (
	partPending partStatus = iota
	partInFlight
	partFailed
	partSucceeded
)

func (s partStatus) String() string {
	switch s {
	case partPending:
		return "pending"
	case partInFlight:
		return "in-flight"
	case partFailed:
		return "failed"
	case partSucceeded:
		return "succeeded"
	default:
		return fmt.Sprintf("partStatus(%d)", int(s))
	}
}

// partTransfer tracks one part through its attempts. It is owned by a single
// worker and never shared.
type partTransfer struct {
	part    schema.Part
	status  partStatus
	attempt int
	lastErr error
}

func (t *partTransfer) start() {
	t.status = partInFlight
	t.attempt++
}

func (t *partTransfer) fail(err error) {
	t.status = partFailed
	t.lastErr = err
}

func (t *partTransfer) succeed() {
	t.status = partSucceeded
	t.lastErr = nil
}

// worker drains the queue until it is empty or the upload is stopped. The
// stop signal is only checked between parts and while waiting for a retry;
// an attempt that has started always runs to completion or to its timeout.
func (u *Uploader) worker(ctx context.Context, id int, session schema.Session, queue <-chan schema.Part) error {
	for {
		select {
		case <-u.stop:
			return nil
		case <-ctx.Done():
			u.halt()
			return nil
		default:
		}

		part, ok := <-queue
		if !ok {
			return nil
		}

		result, err := u.transferPart(ctx, session, part)
		if errors.Is(err, errStopped) {
			return nil
		}
		if err != nil {
			u.halt()
			return err
		}

		if !u.state.record(result) {
			u.log.Debug("Ignoring duplicate part result", "worker", id, "part", part.Number)
		}
	}
}

// transferPart sends one part, retrying on the schedule from
// newRetrySchedule.
func (u *Uploader) transferPart(ctx context.Context, session schema.Session, part schema.Part) (schema.PartResult, error) {
	t := &partTransfer{part: part}
	schedule := newRetrySchedule(u.opts.baseDelay, u.opts.maxAttempts, u.opts.clock)

	for {
		t.start()
		result, err := u.attempt(ctx, session, part)
		if err == nil {
			t.succeed()
			u.log.Debug("Uploaded part", "upload_id", session.UploadID, "part", part.Number, "attempt", t.attempt)
			return result, nil
		}
		t.fail(err)

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			u.log.Error("Part failed", "upload_id", session.UploadID, "part", part.Number, "attempts", t.attempt, "err", err)
			return schema.PartResult{}, &PartUploadError{Part: part.Number, Attempts: t.attempt, Err: t.lastErr}
		}

		u.log.Warn("Part attempt failed, retrying", "upload_id", session.UploadID, "part", part.Number, "attempt", t.attempt, "delay", delay, "err", err)

		select {
		case <-u.opts.clock.After(delay):
		case <-u.stop:
			return schema.PartResult{}, errStopped
		case <-ctx.Done():
			u.halt()
			return schema.PartResult{}, errStopped
		}
	}
}

// attempt makes a single UploadPart call. The call gets its own timeout and
// is not cancelled by the caller's context.
func (u *Uploader) attempt(ctx context.Context, session schema.Session, part schema.Part) (schema.PartResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.attemptTimeout)
	defer cancel()

	body := io.NewSectionReader(u.target.Source, part.Start, part.Size())

	result, err := u.transport.UploadPart(ctx, session, part, body)
	if err != nil {
		return schema.PartResult{}, err
	}

	if result.Number == 0 {
		result.Number = part.Number
	}
	if result.Number != part.Number {
		return schema.PartResult{}, fmt.Errorf("backend acknowledged part %d for part %d", result.Number, part.Number)
	}
	if result.ETag == "" {
		return schema.PartResult{}, fmt.Errorf("backend returned no tag for part %d", part.Number)
	}
	if result.Size == 0 {
		result.Size = part.Size()
	}

	return result, nil
}
