// Package lmcp sets up logging around an MCP server and serves it over stdio
// or HTTP with server-sent events.
package lmcp

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

type LMCPOpts struct {
	HTTPMode       bool
	HTTPAddr       string
	DisableLogFile bool
	// LogDir defaults to MyLogFileDir.
	LogDir string
	Level  zerolog.Level
	// API is mounted at /v1/ next to the SSE endpoints in HTTP mode.
	API http.Handler
}

type ServerSetupFunc func(ctx context.Context) (*server.MCPServer, error)

// MyLogFileDir is the per-executable log directory under the user cache.
func MyLogFileDir() (string, error) {
	cachedir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Errorf("getting user cache directory: %w", err)
	}
	execr, err := os.Executable()
	if err != nil {
		return "", errors.Errorf("getting executable name: %w", err)
	}
	return filepath.Join(cachedir, "lmcp", filepath.Base(execr)), nil
}

// NewLogger builds the server logger. Stdio mode owns stdout for the
// protocol, so it logs to the file only and refuses to run without one.
func NewLogger(opts LMCPOpts, console io.Writer) (zerolog.Logger, func() error, error) {
	writers := []io.Writer{}
	mode := "stdio"
	if opts.HTTPMode {
		mode = "http"
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	}

	closer := func() error { return nil }
	logFileName := ""

	if !opts.DisableLogFile {
		logdir := opts.LogDir
		if logdir == "" {
			var err error
			if logdir, err = MyLogFileDir(); err != nil {
				return zerolog.Nop(), closer, errors.Errorf("getting log file directory: %w", err)
			}
		}
		if err := os.MkdirAll(logdir, 0o755); err != nil {
			return zerolog.Nop(), closer, errors.Errorf("creating log directory: %w", err)
		}

		logFileName = filepath.Join(logdir, "lmcp."+time.Now().Format("2006-01-02_15-04-05")+".log")
		logFile, err := os.Create(logFileName)
		if err != nil {
			return zerolog.Nop(), closer, errors.Errorf("failed to create log file: %w", err)
		}
		closer = logFile.Close
		writers = append(writers, logFile)
	} else if !opts.HTTPMode {
		return zerolog.Nop(), closer, errors.New("log file cannot be disabled in stdio mode")
	}

	lctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("source", "application").
		Str("mode", mode)
	if logFileName != "" {
		lctx = lctx.Str("log_file", logFileName)
	}
	return lctx.Logger().Level(opts.Level), closer, nil
}

// WrapMCPServerWithLogging returns a serve function bound to the configured
// transport. The returned function blocks until the transport stops or ctx
// is cancelled.
func WrapMCPServerWithLogging(ctx context.Context, opts LMCPOpts) (func(ctx context.Context, csrv ServerSetupFunc) error, error) {
	logger, logFileCloser, err := NewLogger(opts, os.Stderr)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("Starting MCP server")

	if opts.HTTPMode {
		return func(ctx context.Context, csrv ServerSetupFunc) error {
			defer logFileCloser()
			ctx = logger.WithContext(ctx)

			srv, err := csrv(ctx)
			if err != nil {
				return errors.Errorf("failed to create server: %w", err)
			}

			sseServer := server.NewSSEServer(srv,
				server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
					return logger.WithContext(ctx)
				}),
			)

			mux := http.NewServeMux()
			if opts.API != nil {
				mux.Handle("/v1/", opts.API)
			}
			mux.Handle("/", sseServer)

			httpServer := &http.Server{
				Addr:              opts.HTTPAddr,
				Handler:           loggerMiddleware(mux, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info().Str("address", opts.HTTPAddr).Msg("Server is ready to accept connections")
				errc <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return errors.Errorf("serving http: %w", err)
			case <-ctx.Done():
				logger.Info().Msg("Shutting down HTTP server")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return errors.Errorf("shutting down http server: %w", err)
				}
				return nil
			}
		}, nil
	}

	// Anything the stdio transport reports goes to the log file; stdout
	// belongs to the protocol.
	stdLogger := log.New(&logWriter{
		logger: logger.With().Str("source", "mcp_stdio_error_logs").Logger(),
	}, "", 0)

	return func(ctx context.Context, csrv ServerSetupFunc) error {
		defer logFileCloser()
		ctx = logger.WithContext(ctx)

		srv, err := csrv(ctx)
		if err != nil {
			return errors.Errorf("failed to create server: %w", err)
		}

		logger.Info().Msg("Starting stdio server")
		stdio := server.NewStdioServer(srv)
		stdio.SetErrorLogger(stdLogger)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Errorf("serving stdio: %w", err)
		}
		return nil
	}, nil
}
