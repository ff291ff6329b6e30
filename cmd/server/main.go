package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/app"
	"github.com/walteh/vmcontrol/pkg/config"
	"github.com/walteh/vmcontrol/pkg/lmcp"
	"github.com/walteh/vmcontrol/pkg/mcp"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		settingsFile   string
		stdio          bool
		disableLogFile bool
		printLogDir    bool
	)

	cmd := &cobra.Command{
		Use:           "vmcontrol-server",
		Short:         "Serve the VM control tools over HTTP or MCP stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printLogDir {
				logdir, err := lmcp.MyLogFileDir()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), logdir)
				return nil
			}

			v := config.New()
			if f := cmd.Flags().Lookup("addr"); f.Changed {
				if err := v.BindPFlag("http_addr", f); err != nil {
					return errors.Errorf("binding --addr: %w", err)
				}
			}
			cfg, err := config.Load(v, settingsFile)
			if err != nil {
				return err
			}

			var api *mcp.Server
			serve, err := lmcp.WrapMCPServerWithLogging(cmd.Context(), lmcp.LMCPOpts{
				HTTPMode:       !stdio,
				HTTPAddr:       cfg.HTTPAddr,
				DisableLogFile: disableLogFile,
				Level:          cfg.Level(),
				API:            lazyHandler(&api),
			})
			if err != nil {
				return err
			}

			return serve(cmd.Context(), func(ctx context.Context) (*server.MCPServer, error) {
				a, err := app.New(ctx, cfg, os.Stderr)
				if err != nil {
					return nil, err
				}
				go func() {
					<-ctx.Done()
					if err := a.Close(context.WithoutCancel(ctx)); err != nil {
						zerolog.Ctx(ctx).Warn().Err(err).Msg("closing engine")
					}
				}()

				tools, err := mcp.NewToolbox(a.Engine)
				if err != nil {
					return nil, err
				}
				api = mcp.NewServer(tools, version)

				zerolog.Ctx(ctx).Info().Int("tools", len(tools.Tools())).Msg("Created tools")
				return tools.MCPServer(mcp.Name, version), nil
			})
		},
	}

	cmd.Flags().StringVar(&settingsFile, "settings", "", "host settings file (YAML)")
	cmd.Flags().String("addr", ":8250", "address to listen on in HTTP mode (overrides http_addr)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().BoolVar(&disableLogFile, "disable-log-file", false, "do not write a log file (HTTP mode only)")
	cmd.Flags().BoolVar(&printLogDir, "print-log-dir", false, "print the log directory and exit")

	return cmd
}

// lazyHandler serves the HTTP tool API once the engine behind it exists.
// The SSE transport builds the engine inside its setup hook, after the
// mux is configured.
func lazyHandler(api **mcp.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *api == nil {
			http.Error(w, "server is starting", http.StatusServiceUnavailable)
			return
		}
		(*api).ServeHTTP(w, r)
	})
}
