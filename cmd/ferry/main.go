package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ferry/internal/journal"
	"ferry/internal/s3"
	"ferry/pkg/client"
	"ferry/pkg/schema"
	"ferry/pkg/upload"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Sessions older than this are dropped from the journal on start.
const journalRetention = 7 * 24 * time.Hour

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

type flags struct {
	endpoint         string
	user             string
	password         string
	token            string
	key              string
	s3Endpoint       string
	s3Bucket         string
	s3AccessKey      string
	s3SecretKey      string
	s3Region         string
	s3Prefix         string
	journalPath      string
	noResume         bool
	partSize         string
	concurrency      int
	maxAttempts      int
	attemptTimeout   time.Duration
	deadline         time.Duration
	abortOnInterrupt bool
	debug            bool
}

func parseFlags(args []string) (flags, []string, error) {
	var f flags

	defaultJournal, err := journal.DefaultPath()
	if err != nil {
		defaultJournal = ""
	}

	fs := flag.NewFlagSet("ferry", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ferry [flags] FILE\n\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&f.endpoint, "endpoint", getenv("FERRY_ENDPOINT", "http://localhost:9000"), "session API base URL")
	fs.StringVar(&f.user, "user", getenv("FERRY_USER", ""), "basic auth user name")
	fs.StringVar(&f.password, "password", getenv("FERRY_PASSWORD", ""), "basic auth password")
	fs.StringVar(&f.token, "token", getenv("FERRY_TOKEN", ""), "bearer token, takes precedence over -user")
	fs.StringVar(&f.key, "key", "", "destination key, defaults to the file name")
	fs.StringVar(&f.s3Endpoint, "s3-endpoint", getenv("FERRY_S3_ENDPOINT", "http://localhost:9000"), "S3 endpoint URL")
	fs.StringVar(&f.s3Bucket, "s3-bucket", getenv("FERRY_S3_BUCKET", ""), "upload to this S3 bucket instead of the session API")
	fs.StringVar(&f.s3AccessKey, "s3-access-key", getenv("FERRY_S3_ACCESS_KEY", "minioadmin"), "S3 access key")
	fs.StringVar(&f.s3SecretKey, "s3-secret-key", getenv("FERRY_S3_SECRET_KEY", "minioadmin"), "S3 secret key")
	fs.StringVar(&f.s3Region, "s3-region", getenv("FERRY_S3_REGION", "us-east-1"), "S3 region")
	fs.StringVar(&f.s3Prefix, "s3-prefix", "", "key prefix inside the S3 bucket")
	fs.StringVar(&f.journalPath, "journal", getenv("FERRY_JOURNAL", defaultJournal), "resume journal file, empty to disable")
	fs.BoolVar(&f.noResume, "no-resume", false, "always start a new session")
	fs.StringVar(&f.partSize, "part-size", "", "part size such as 25MiB, defaults to a size based tier")
	fs.IntVar(&f.concurrency, "concurrency", 0, "parts in flight, defaults to a size based tier")
	fs.IntVar(&f.maxAttempts, "max-attempts", upload.DefaultMaxAttempts, "attempts per part")
	fs.DurationVar(&f.attemptTimeout, "attempt-timeout", upload.DefaultAttemptTimeout, "timeout of a single part attempt")
	fs.DurationVar(&f.deadline, "deadline", 0, "abort the upload if it is not done after this long")
	fs.BoolVar(&f.abortOnInterrupt, "abort-on-interrupt", false, "abort the session on SIGINT instead of keeping it for resume")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return flags{}, nil, err
	}

	return f, fs.Args(), nil
}

// destination is the transport plus the identity used for journal entries.
type destination struct {
	transport upload.Transport
	id        string
}

func newDestination(f flags, logger *slog.Logger) (destination, error) {
	if f.s3Bucket != "" {
		t, err := s3.New(f.s3Endpoint, f.s3Bucket,
			s3.WithCredentials(f.s3AccessKey, f.s3SecretKey),
			s3.WithRegion(f.s3Region),
			s3.WithKeyPrefix(f.s3Prefix),
			s3.WithLogger(logger),
		)
		if err != nil {
			return destination{}, err
		}
		return destination{transport: t, id: "s3:" + f.s3Endpoint + "/" + f.s3Bucket}, nil
	}

	opts := []client.Option{client.WithLogger(logger)}
	if f.user != "" {
		opts = append(opts, client.WithBasicAuth(f.user, f.password))
	}
	if f.token != "" {
		opts = append(opts, client.WithToken(f.token))
	}

	c, err := client.New(f.endpoint, opts...)
	if err != nil {
		return destination{}, err
	}
	return destination{transport: c, id: f.endpoint}, nil
}

// printProgress renders one progress line on stderr.
func printProgress(p upload.Progress) {
	fmt.Fprintf(os.Stderr, "\r%3d%%  %s / %s  (%d/%d parts)",
		p.Percentage,
		humanize.IBytes(uint64(p.BytesLoaded)),
		humanize.IBytes(uint64(p.BytesTotal)),
		p.CompletedParts,
		p.TotalParts,
	)
	if p.Done() {
		fmt.Fprintln(os.Stderr)
	}
}

func Run(ctx context.Context, args []string) error {
	f, rest, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("expected exactly one FILE argument")
	}
	path := rest[0]

	level := log.InfoLevel
	if f.debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	var partSize int64
	if f.partSize != "" {
		n, err := humanize.ParseBytes(f.partSize)
		if err != nil {
			return fmt.Errorf("invalid -part-size: %w", err)
		}
		partSize = int64(n)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	target, err := upload.FileTarget(file, f.key)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		return err
	}

	dest, err := newDestination(f, logger)
	if err != nil {
		return err
	}

	var (
		jrnl *journal.Journal
		jkey journal.Key
	)
	if f.journalPath != "" {
		jrnl, err = journal.Open(ctx, f.journalPath)
		if err != nil {
			return err
		}
		defer jrnl.Close()

		if n, err := jrnl.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
			slog.Warn("Failed to prune journal", "err", err)
		} else if n > 0 {
			slog.Debug("Pruned journal", "entries", n)
		}

		jkey, err = journal.KeyFor(path, info, dest.id)
		if err != nil {
			return err
		}
	}

	newUploader := func() (*upload.Uploader, error) {
		opts := []upload.Option{
			upload.WithTransport(dest.transport),
			upload.WithLogger(logger),
			upload.WithMaxAttempts(f.maxAttempts),
			upload.WithAttemptTimeout(f.attemptTimeout),
		}
		if partSize > 0 {
			opts = append(opts, upload.WithPartSize(partSize))
		}
		if f.concurrency > 0 {
			opts = append(opts, upload.WithConcurrency(f.concurrency))
		}
		if jrnl != nil {
			opts = append(opts, upload.WithSessionHook(func(s schema.Session) {
				if err := jrnl.Save(context.WithoutCancel(ctx), jkey, s); err != nil {
					slog.Warn("Failed to record session in journal", "upload_id", s.UploadID, "err", err)
				}
			}))
		}
		return upload.New(target, "", printProgress, opts...)
	}

	// forget drops the journal entry once the session can no longer be
	// resumed.
	forget := func() {
		if jrnl == nil {
			return
		}
		if err := jrnl.Delete(context.WithoutCancel(ctx), jkey); err != nil {
			slog.Warn("Failed to remove session from journal", "err", err)
		}
	}

	var resumeFrom *schema.Session
	if jrnl != nil && !f.noResume {
		session, ok, err := jrnl.Lookup(ctx, jkey)
		if err != nil {
			slog.Warn("Failed to read journal", "err", err)
		} else if ok {
			resumeFrom = &session
		}
	}

	start := time.Now()
	var result schema.Result

	if resumeFrom != nil {
		u, err := newUploader()
		if err != nil {
			return err
		}

		slog.Info("Resuming upload", "file", path, "upload_id", resumeFrom.UploadID)
		var restart bool
		result, restart, err = resume(ctx, f, dest.transport, u, *resumeFrom)

		var initErr *upload.InitializationError
		switch {
		case restart:
			forget()
			resumeFrom = nil
		case errors.As(err, &initErr):
			slog.Info("The session was kept, run the same command again to resume")
			return err
		case err != nil:
			return finish(err, forget)
		}
	}

	if resumeFrom == nil {
		u, err := newUploader()
		if err != nil {
			return err
		}

		slog.Info("Uploading", "file", path, "size", humanize.IBytes(uint64(target.Size)))
		result, err = runUpload(ctx, f, u, u.Upload)
		if err != nil {
			return finish(err, forget)
		}
	}

	forget()

	slog.Info("Upload complete",
		"key", result.Key,
		"etag", result.ETag,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// resume continues session with u. When the session is gone or no longer
// matches the file it is released and resume reports that a new session
// has to be started instead.
func resume(ctx context.Context, f flags, transport upload.Transport, u *upload.Uploader, session schema.Session) (schema.Result, bool, error) {
	result, err := runUpload(ctx, f, u, func(ctx context.Context) (schema.Result, error) {
		return u.Resume(ctx, session)
	})
	if err == nil {
		return result, false, nil
	}

	if !errors.Is(err, upload.ErrSessionGone) && !errors.Is(err, upload.ErrPlanMismatch) {
		return schema.Result{}, false, err
	}

	slog.Warn("Cannot resume session, starting a new one", "upload_id", session.UploadID, "err", err)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), upload.DefaultAbortTimeout)
	defer cancel()

	if err := transport.Abort(abortCtx, session); err != nil {
		slog.Warn("Failed to release old session", "upload_id", session.UploadID, "err", err)
	}

	return schema.Result{}, true, nil
}

// runUpload runs fn with the deadline and interrupt handling selected by f.
func runUpload(ctx context.Context, f flags, u *upload.Uploader, fn func(context.Context) (schema.Result, error)) (schema.Result, error) {
	if f.deadline > 0 {
		timer := time.AfterFunc(f.deadline, func() {
			slog.Warn("Deadline reached, aborting upload", "deadline", f.deadline)
			u.Abort()
		})
		defer timer.Stop()
	}

	if f.abortOnInterrupt {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-sigs:
				slog.Warn("Interrupted, aborting upload")
				u.Abort()
			case <-done:
			}
		}()

		return fn(context.WithoutCancel(ctx))
	}

	return fn(ctx)
}

// finish reports a failed upload and keeps the journal entry only when the
// session is still resumable.
func finish(err error, forget func()) error {
	var finalizeErr *upload.FinalizeError
	switch {
	case errors.Is(err, upload.ErrInterrupted), errors.As(err, &finalizeErr):
		slog.Info("The session was kept, run the same command again to resume")
	default:
		forget()
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("Upload failed", "error", err)
		os.Exit(1)
	}
}
