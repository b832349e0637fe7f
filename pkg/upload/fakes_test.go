package upload_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"ferry/pkg/schema"
	"ferry/pkg/upload"
)

var errUnavailable = errors.New("service unavailable")

// zeroSource is a sparse io.ReaderAt of size zero bytes.
type zeroSource struct {
	size int64
}

func (z zeroSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= z.size {
		return 0, io.EOF
	}

	n := min(int64(len(p)), z.size-off)
	clear(p[:n])
	if int(n) < len(p) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// fakeClock fires every timer immediately and records the requested delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)

	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fakeTransport is an in-memory backend that records every call.
type fakeTransport struct {
	mu sync.Mutex

	session schema.Session

	createErr  error
	onCreate   func()
	failPart   func(number int, attempt int) error
	duringPart func(ctx context.Context, number int)
	stall      bool
	missing    []schema.Part
	missingErr error
	status     schema.Status
	statusErr  error
	finalErr   error
	abortErr   error

	creates   int
	attempts  map[int]int
	received  map[int]int64
	finalized [][]schema.CompletedPart
	aborts    int

	inFlight    int
	maxInFlight int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		session:  schema.Session{UploadID: "upload-1", Key: "recordings/video.mp4"},
		attempts: make(map[int]int),
		received: make(map[int]int64),
	}
}

func (f *fakeTransport) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.Session, error) {
	f.mu.Lock()
	f.creates++
	onCreate := f.onCreate
	err := f.createErr
	session := f.session
	f.mu.Unlock()

	if onCreate != nil {
		onCreate()
	}
	if err != nil {
		return schema.Session{}, err
	}

	session.Size = req.Size
	session.PartSize = req.PartSize
	return session, nil
}

func (f *fakeTransport) MissingParts(ctx context.Context, session schema.Session) ([]schema.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missing, f.missingErr
}

func (f *fakeTransport) UploadPart(ctx context.Context, session schema.Session, part schema.Part, body io.Reader) (schema.PartResult, error) {
	f.mu.Lock()
	f.attempts[part.Number]++
	attempt := f.attempts[part.Number]
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	failPart := f.failPart
	duringPart := f.duringPart
	stall := f.stall
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return schema.PartResult{}, err
	}

	if duringPart != nil {
		duringPart(ctx, part.Number)
	}
	if stall {
		<-ctx.Done()
		return schema.PartResult{}, ctx.Err()
	}

	if failPart != nil {
		if err := failPart(part.Number, attempt); err != nil {
			return schema.PartResult{}, err
		}
	}

	f.mu.Lock()
	f.received[part.Number] = n
	f.mu.Unlock()

	return schema.PartResult{Number: part.Number, ETag: etag(part.Number), Size: n}, nil
}

func (f *fakeTransport) Status(ctx context.Context, session schema.Session) (schema.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeTransport) Finalize(ctx context.Context, session schema.Session, parts []schema.CompletedPart) (schema.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finalized = append(f.finalized, parts)
	if f.finalErr != nil {
		return schema.Result{}, f.finalErr
	}
	return schema.Result{Key: session.Key, ETag: `"final"`}, nil
}

func (f *fakeTransport) Abort(ctx context.Context, session schema.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return f.abortErr
}

func (f *fakeTransport) Attempts(number int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[number]
}

func (f *fakeTransport) Counts() (creates int, finalizes int, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, len(f.finalized), f.aborts
}

func (f *fakeTransport) TotalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

func etag(n int) string {
	return fmt.Sprintf(`"etag-%d"`, n)
}

// progressLog collects snapshots delivered to an observer.
type progressLog struct {
	mu        sync.Mutex
	snapshots []upload.Progress
}

func (l *progressLog) Observe(p upload.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, p)
}

func (l *progressLog) Snapshots() []upload.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]upload.Progress(nil), l.snapshots...)
}
