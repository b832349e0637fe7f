package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ferry/internal/auth"
	"ferry/internal/server"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// parseTokens parses "token=user" pairs separated by commas.
func parseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token entry %q, expected token=user", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", getenv("FERRY_LISTEN", "9000"), "HTTP listen port")
	dataDir := flag.String("data-dir", getenv("FERRY_DATA_DIR", "./data"), "directory to store sessions and objects")
	basePath := flag.String("base-path", getenv("FERRY_BASE_PATH", ""), "mount the API below this path")
	user := flag.String("user", getenv("FERRY_USER", auth.DefaultUsername), "basic auth user name")
	password := flag.String("password", getenv("FERRY_PASSWORD", auth.DefaultPassword), "basic auth password")
	tokenList := flag.String("tokens", getenv("FERRY_TOKENS", ""), "bearer tokens as token=user pairs separated by commas")
	httpsPort := flag.Int("https-port", 8443, "HTTPS listen port")
	certFile := flag.String("tls-cert", getenv("FERRY_TLS_CERT", ""), "TLS certificate file")
	keyFile := flag.String("tls-key", getenv("FERRY_TLS_KEY", ""), "TLS key file")
	timeout := flag.Duration("timeout", 10*time.Minute, "read and write timeout per request")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    *debug,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	tokens, err := parseTokens(*tokenList)
	if err != nil {
		return err
	}

	var authenticator auth.AuthEngine = auth.NewBasicAuthEngine(*user, *password)
	if len(tokens) > 0 {
		authenticator = auth.NewCompoundAuthEngine(authenticator, auth.NewTokenAuthEngine(tokens))
	}

	cfg := server.NewConfig(
		server.WithDataDir(absDataDir),
		server.WithBasePath(*basePath),
		server.WithAuthEngine(authenticator),
	)

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create ferry server: %w", err)
	}

	defer srv.Close()

	router := srv.Handler()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       *timeout,
		WriteTimeout:      *timeout,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              fmt.Sprintf(":%d", *httpsPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       *timeout,
		WriteTimeout:      *timeout,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpsServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		if *certFile == "" || *keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting ferry HTTPS server", "port", *httpsPort)
		err := httpsServer.ListenAndServeTLS(*certFile, *keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting ferry HTTP server", "port", *listen, "data_dir", absDataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Ferry server started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Ferry server exited with error", "error", err)
		os.Exit(1)
	}
}
