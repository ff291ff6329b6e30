package commands

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/app"
	"github.com/walteh/vmcontrol/pkg/config"
)

var (
	// Debug forces debug logging regardless of log_level.
	Debug bool

	settingsFile string
)

// App is the engine wiring for the running command.
var App *app.App

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "Control QEMU virtual machines on this host",
	Long: `A command line utility for creating, starting and managing
QEMU virtual machines. Host settings come from a YAML file (--settings),
VMCONTROL_* environment variables and the flags below.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New()
		if err := bindFlags(v, cmd.Root().PersistentFlags()); err != nil {
			return err
		}
		cfg, err := config.Load(v, settingsFile)
		if err != nil {
			return err
		}

		level := cfg.Level()
		if Debug {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
			With().Timestamp().Str("command", cmd.Name()).Logger().Level(level)
		ctx := logger.WithContext(cmd.Context())
		cmd.SetContext(ctx)

		App, err = app.New(ctx, cfg, cmd.ErrOrStderr())
		if err != nil {
			return errors.Errorf("initializing engine: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "host settings file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&Debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().String("run-path", "", "state directory (overrides run_path)")
	rootCmd.PersistentFlags().String("transport", "", "control socket transport: auto, unix or tcp")
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range map[string]string{"run_path": "run-path", "transport": "transport"} {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

func RootCmd() *cobra.Command {
	return rootCmd
}

// Run executes args against the root command and releases the engine
// afterwards.
func Run(ctx context.Context, args []string, out io.Writer) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	defer func() {
		if App != nil {
			if err := App.Close(ctx); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("closing engine")
			}
			App = nil
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

func readFileOrStdin(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, errors.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
