// Package upload drives a resumable multi-part upload: it plans the parts of
// a target, opens or resumes a session on the backend, transmits the parts
// from a bounded pool of workers with per-part retries, reports progress and
// finally assembles or aborts the object.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"ferry/pkg/client"
	"ferry/pkg/plan"
	"ferry/pkg/schema"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle state of an Uploader. Complete and Aborted are
// final.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseTransferring
	PhaseFinalizing
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseTransferring:
		return "transferring"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseComplete:
		return "complete"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Uploader uploads a single target. It is single use: Upload or Resume may
// be called once.
type Uploader struct {
	target    Target
	observer  Observer
	opts      options
	transport Transport
	sessions  *SessionController
	log       *slog.Logger

	started atomic.Bool

	mu             sync.Mutex
	phase          Phase
	session        *schema.Session
	abortRequested bool

	stop      chan struct{}
	stopOnce  sync.Once
	abortOnce sync.Once

	state *uploadState
}

// New returns an Uploader for target against the HTTP backend at endpoint.
// The endpoint is ignored when a transport is supplied with WithTransport.
// observer may be nil.
func New(target Target, endpoint string, observer Observer, opts ...Option) (*Uploader, error) {
	if target.Source == nil || target.Size <= 0 {
		return nil, ErrEmptyTarget
	}

	o := newOptions(opts...)

	transport := o.transport
	if transport == nil {
		c, err := client.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}
		transport = c
	}

	logger := o.logger.With("name", target.Name)

	return &Uploader{
		target:    target,
		observer:  observer,
		opts:      o,
		transport: transport,
		sessions:  NewSessionController(transport, logger),
		log:       logger,
		stop:      make(chan struct{}),
	}, nil
}

// Phase returns the current lifecycle state.
func (u *Uploader) Phase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

// Session returns the backend session once it is known.
func (u *Uploader) Session() (schema.Session, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session == nil {
		return schema.Session{}, false
	}
	return *u.session, true
}

// Progress returns the latest snapshot delivered to the observer.
func (u *Uploader) Progress() Progress {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()

	if state == nil {
		return Progress{}
	}
	return state.progress()
}

// Upload plans the target, opens a new session and transmits every part.
//
// Cancelling ctx interrupts the upload without aborting the session: the
// returned error wraps ErrInterrupted and the session can be handed to
// Resume by a new Uploader. Use Abort to discard the session instead.
func (u *Uploader) Upload(ctx context.Context) (schema.Result, error) {
	if !u.started.CompareAndSwap(false, true) {
		return schema.Result{}, ErrAlreadyStarted
	}

	if u.aborted() {
		return schema.Result{}, ErrAborted
	}

	p, err := u.plan(u.target.Size, u.opts.partSize)
	if err != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: err}
	}
	u.setState(newUploadState(p, u.observer))

	u.log.Info("Starting upload",
		"size", humanize.IBytes(uint64(p.Size)),
		"part_size", humanize.IBytes(uint64(p.PartSize)),
		"parts", len(p.Parts),
		"concurrency", p.Concurrency,
	)

	session, err := u.sessions.Initialize(ctx, u.target, p.PartSize)
	if err != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, err
	}

	if !u.attach(session) {
		return schema.Result{}, ErrAborted
	}

	return u.run(ctx, session, p, p.Parts)
}

// Resume continues an upload whose session was created by an earlier
// attempt. Parts the backend already acknowledged are never sent again.
func (u *Uploader) Resume(ctx context.Context, session schema.Session) (schema.Result, error) {
	if !u.started.CompareAndSwap(false, true) {
		return schema.Result{}, ErrAlreadyStarted
	}

	if session.UploadID == "" {
		u.setPhase(PhaseAborted)
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: fmt.Errorf("%w: no upload id", ErrSessionGone)}
	}

	if session.Size != 0 && session.Size != u.target.Size {
		u.setPhase(PhaseAborted)
		return schema.Result{}, fmt.Errorf("%w: session size %d, target size %d", ErrPlanMismatch, session.Size, u.target.Size)
	}

	partSize := session.PartSize
	if partSize == 0 {
		partSize = u.opts.partSize
	}

	p, err := u.plan(u.target.Size, partSize)
	if err != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: err}
	}
	u.setState(newUploadState(p, u.observer))

	if !u.attach(session) {
		return schema.Result{}, ErrAborted
	}

	status, err := u.transport.Status(ctx, session)
	if client.IsNotFound(err) {
		err = fmt.Errorf("%w: %w", ErrSessionGone, err)
	}
	if err != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: fmt.Errorf("query status of %s: %w", session.UploadID, err)}
	}

	switch status.State {
	case schema.SessionComplete:
		u.log.Info("Upload already complete", "upload_id", session.UploadID)
		u.state.seed(fullManifest(p, status.Parts))
		u.setPhase(PhaseComplete)
		return u.result(session, schema.Result{Key: status.Key, ETag: status.ETag}), nil
	case schema.SessionAborted:
		u.setPhase(PhaseAborted)
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: fmt.Errorf("%w: session %s was aborted", ErrSessionGone, session.UploadID)}
	}

	missing, err := u.sessions.ResolveMissingParts(ctx, session, p)
	if err != nil {
		u.setPhase(PhaseAborted)
		if errors.Is(err, ErrPlanMismatch) {
			return schema.Result{}, err
		}
		return schema.Result{}, &InitializationError{Name: u.target.Name, Err: err}
	}

	pending, acknowledged, err := splitParts(p, missing, status.Parts)
	if err != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, err
	}
	u.state.seed(acknowledged)

	u.log.Info("Resuming upload",
		"upload_id", session.UploadID,
		"acknowledged", len(acknowledged),
		"pending", len(pending),
		"parts", len(p.Parts),
	)

	return u.run(ctx, session, p, pending)
}

// Abort stops the upload and discards the backend session. It may be called
// at any time from any goroutine; only the first call has an effect. A
// failure to discard the session is logged, not returned.
func (u *Uploader) Abort() {
	u.mu.Lock()
	if u.abortRequested || u.phase == PhaseComplete {
		u.mu.Unlock()
		return
	}
	u.abortRequested = true
	u.phase = PhaseAborted
	session := u.session
	u.mu.Unlock()

	u.log.Info("Abort requested")
	u.halt()

	if session != nil {
		u.abortSession(*session)
	}
}

func (u *Uploader) plan(size int64, partSize int64) (plan.Plan, error) {
	var (
		p   plan.Plan
		err error
	)

	if partSize > 0 {
		p, err = plan.NewWithPartSize(size, partSize)
		if err != nil {
			return plan.Plan{}, err
		}
	} else {
		p = plan.New(size)
	}

	if u.opts.concurrency > 0 {
		p.Concurrency = min(u.opts.concurrency, plan.MaxConcurrency)
	}

	return p, nil
}

// attach records the session. If Abort was called before the session
// existed it is discarded now and attach returns false.
func (u *Uploader) attach(session schema.Session) bool {
	u.mu.Lock()
	u.session = &session
	aborted := u.abortRequested
	if !aborted {
		u.phase = PhaseTransferring
	}
	u.mu.Unlock()

	if aborted {
		u.abortSession(session)
		return false
	}

	if u.opts.sessionHook != nil {
		u.opts.sessionHook(session)
	}

	return true
}

// run transfers pending and finalizes the session.
func (u *Uploader) run(ctx context.Context, session schema.Session, p plan.Plan, pending []schema.Part) (schema.Result, error) {
	if err := u.transfer(ctx, session, p, pending); err != nil {
		return schema.Result{}, err
	}

	return u.finalize(ctx, session)
}

// transfer sends pending through the worker pool.
func (u *Uploader) transfer(ctx context.Context, session schema.Session, p plan.Plan, pending []schema.Part) error {
	if len(pending) > 0 {
		queue := make(chan schema.Part, len(pending))
		for _, part := range pending {
			queue <- part
		}
		close(queue)

		workers := min(p.Concurrency, len(pending))
		u.log.Debug("Starting workers", "upload_id", session.UploadID, "workers", workers, "parts", len(pending))

		var g errgroup.Group
		for i := range workers {
			g.Go(func() error {
				return u.worker(ctx, i+1, session, queue)
			})
		}

		if err := g.Wait(); err != nil {
			var partErr *PartUploadError
			if errors.As(err, &partErr) {
				u.fail(session)
			}
			return err
		}
	}

	if u.aborted() {
		return ErrAborted
	}

	if !u.state.complete() {
		if ctx.Err() != nil {
			u.setPhase(PhaseAborted)
			u.log.Warn("Upload interrupted", "upload_id", session.UploadID, "completed", u.state.completed(), "parts", len(p.Parts))
			return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}
		return fmt.Errorf("transfer ended with %d of %d parts", u.state.completed(), len(p.Parts))
	}

	return nil
}

// finalize submits the ordered manifest.
func (u *Uploader) finalize(ctx context.Context, session schema.Session) (schema.Result, error) {
	if ctx.Err() != nil {
		u.setPhase(PhaseAborted)
		return schema.Result{}, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}

	if !u.setPhase(PhaseFinalizing) {
		return schema.Result{}, ErrAborted
	}

	manifest := u.state.manifest()
	u.log.Info("Finalizing upload", "upload_id", session.UploadID, "parts", len(manifest))

	res, err := u.transport.Finalize(ctx, session, manifest)
	if err != nil {
		u.setPhase(PhaseAborted)
		u.log.Error("Finalize failed", "upload_id", session.UploadID, "err", err)
		return schema.Result{}, &FinalizeError{UploadID: session.UploadID, Err: err}
	}

	if res.ETag == "" {
		status, err := u.transport.Status(ctx, session)
		if err != nil {
			u.log.Warn("Could not read object tag", "upload_id", session.UploadID, "err", err)
		} else {
			res.ETag = status.ETag
		}
	}

	if !u.setPhase(PhaseComplete) {
		return schema.Result{}, ErrAborted
	}

	res = u.result(session, res)
	u.log.Info("Upload complete", "upload_id", session.UploadID, "key", res.Key, "etag", res.ETag)
	return res, nil
}

func (u *Uploader) result(session schema.Session, res schema.Result) schema.Result {
	if res.Key == "" {
		res.Key = session.Key
	}
	return res
}

// fail moves the upload to Aborted after an unrecoverable part failure and
// discards the session.
func (u *Uploader) fail(session schema.Session) {
	u.mu.Lock()
	u.phase = PhaseAborted
	u.mu.Unlock()

	u.abortSession(session)
}

// abortSession issues the backend abort at most once.
func (u *Uploader) abortSession(session schema.Session) {
	u.abortOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), u.opts.abortTimeout)
		defer cancel()

		if err := u.transport.Abort(ctx, session); err != nil {
			abortErr := &AbortError{UploadID: session.UploadID, Err: err}
			u.log.Warn("Failed to abort upload session", "upload_id", session.UploadID, "err", abortErr)
			return
		}

		u.log.Info("Aborted upload session", "upload_id", session.UploadID)
	})
}

// halt stops workers from picking up further parts.
func (u *Uploader) halt() {
	u.stopOnce.Do(func() {
		close(u.stop)
	})
}

func (u *Uploader) setState(s *uploadState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = s
}

func (u *Uploader) aborted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.abortRequested
}

// setPhase moves to next unless the upload already reached a final phase.
func (u *Uploader) setPhase(next Phase) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.phase == PhaseComplete || u.phase == PhaseAborted {
		return u.phase == next
	}

	u.phase = next
	return true
}

// splitParts separates the parts of p into those that still have to be sent
// and the results the backend already holds. A part that is not listed as
// missing must be reported with its tag; it is never sent a second time.
func splitParts(p plan.Plan, missing []schema.Part, acknowledged []schema.PartResult) ([]schema.Part, []schema.PartResult, error) {
	isMissing := make(map[int]bool, len(missing))
	for _, m := range missing {
		isMissing[m.Number] = true
	}

	tags := make(map[int]schema.PartResult, len(acknowledged))
	for _, r := range acknowledged {
		if r.Number >= 1 && r.Number <= len(p.Parts) && r.ETag != "" && !isMissing[r.Number] {
			tags[r.Number] = r
		}
	}

	var (
		pending []schema.Part
		done    []schema.PartResult
	)
	for _, part := range p.Parts {
		if isMissing[part.Number] {
			pending = append(pending, part)
			continue
		}
		r, ok := tags[part.Number]
		if !ok {
			return nil, nil, fmt.Errorf("%w: part %d is stored but its tag is unknown", ErrPlanMismatch, part.Number)
		}
		done = append(done, r)
	}

	return pending, done, nil
}

// fullManifest returns a result for every planned part, used when the
// backend reports the object as already assembled.
func fullManifest(p plan.Plan, acknowledged []schema.PartResult) []schema.PartResult {
	results := make([]schema.PartResult, 0, len(p.Parts))
	tags := make(map[int]string, len(acknowledged))
	for _, r := range acknowledged {
		tags[r.Number] = r.ETag
	}
	for _, part := range p.Parts {
		results = append(results, schema.PartResult{Number: part.Number, ETag: tags[part.Number], Size: part.Size()})
	}
	return results
}
