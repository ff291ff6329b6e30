package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/engine"
	"github.com/walteh/vmcontrol/pkg/vm"
)

var vmGroup = &cobra.Group{
	ID:    "vm",
	Title: "VM Management",
}

var runtimeGroup = &cobra.Group{
	ID:    "runtime",
	Title: "Runtime Control",
}

func init() {
	rootCmd.AddGroup(vmGroup, runtimeGroup)

	createVMCmd.Flags().String("config", "", "VM configuration as JSON (file path or - for stdin)")
	_ = createVMCmd.MarkFlagRequired("config")
	updateVMCmd.Flags().String("config", "", "VM configuration as JSON (file path or - for stdin)")
	_ = updateVMCmd.MarkFlagRequired("config")
	deleteVMCmd.Flags().Bool("force", false, "quit a running VM before deleting it")

	rootCmd.AddCommand(
		createVMCmd, updateVMCmd, deleteVMCmd, listVMsCmd, inspectVMCmd,
		startVMCmd, stopVMCmd, resetVMCmd, powerdownVMCmd,
		mountMediaCmd, unmountMediaCmd, migrateVMCmd, backupVMCmd,
		consoleStartCmd, consoleStopCmd,
	)
}

// readSpec decodes the VM configuration named by the --config flag.
func readSpec(cmd *cobra.Command) (vm.Spec, error) {
	var spec vm.Spec
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return spec, errors.Errorf("reading --config: %w", err)
	}
	data, err := readFileOrStdin(cmd, path)
	if err != nil {
		return spec, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, errors.Errorf("%w: parsing VM configuration %s: %w", vm.ErrConfiguration, path, err)
	}
	return spec, nil
}

// transcriptCmd builds a command whose result is an engine transcript.
func transcriptCmd(use, short string, args cobra.PositionalArgs, group string, op func(ctx context.Context, cmd *cobra.Command, args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    args,
		GroupID: group,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := op(cmd.Context(), cmd, args)
			if err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

var createVMCmd = transcriptCmd("create <vm> --config <file>", "Create a VM record and allocate its resources", cobra.ExactArgs(1), vmGroup.ID,
	func(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
		spec, err := readSpec(cmd)
		if err != nil {
			return "", err
		}
		return App.Engine.Create(ctx, engine.ConfigRequest{ID: args[0], Config: spec})
	})

var updateVMCmd = transcriptCmd("update <vm> --config <file>", "Replace the configuration of a VM", cobra.ExactArgs(1), vmGroup.ID,
	func(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
		spec, err := readSpec(cmd)
		if err != nil {
			return "", err
		}
		return App.Engine.Update(ctx, engine.ConfigRequest{ID: args[0], Config: spec})
	})

var deleteVMCmd = transcriptCmd("delete <vm>", "Delete a VM record and release its disks", cobra.ExactArgs(1), vmGroup.ID,
	func(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return "", errors.Errorf("reading --force: %w", err)
		}
		return App.Engine.Delete(ctx, engine.DeleteRequest{ID: args[0], Force: force})
	})

var listVMsCmd = &cobra.Command{
	Use:     "list",
	Short:   "List all VMs",
	Args:    cobra.NoArgs,
	GroupID: vmGroup.ID,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := App.Engine.List(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(w, "No VMs")
			return nil
		}
		fmt.Fprintln(w, "VMs:")
		for _, r := range records {
			fmt.Fprintf(w, "  - %s (Status: %s, console: %d, address: %s)\n",
				r.ID, r.Status, r.Config.Resources.ConsolePort, r.Config.Resources.GuestAddress)
		}
		return nil
	},
}

var inspectVMCmd = &cobra.Command{
	Use:     "inspect <vm>",
	Short:   "Show a VM record and its live state",
	Args:    cobra.ExactArgs(1),
	GroupID: vmGroup.ID,
	RunE: func(cmd *cobra.Command, args []string) error {
		insp, err := App.Engine.Inspect(cmd.Context(), engine.VMRequest{ID: args[0]})
		if err != nil {
			return err
		}
		out, err := engine.JSON(insp)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func vmOp(fn func(context.Context, engine.VMRequest) (string, error)) func(context.Context, *cobra.Command, []string) (string, error) {
	return func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return fn(ctx, engine.VMRequest{ID: args[0]})
	}
}

var startVMCmd = transcriptCmd("start <vm>", "Launch the hypervisor for a stopped VM", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.Start(ctx, req) }))

var stopVMCmd = transcriptCmd("stop <vm>", "Quit the hypervisor of a running VM", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.Stop(ctx, req) }))

var resetVMCmd = transcriptCmd("reset <vm>", "Hard-reset a running VM", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.Reset(ctx, req) }))

var powerdownVMCmd = transcriptCmd("powerdown <vm>", "Send an ACPI power button event", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.Powerdown(ctx, req) }))

var unmountMediaCmd = transcriptCmd("unmount-media <vm>", "Eject the removable drive", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.UnmountMedia(ctx, req) }))

var backupVMCmd = transcriptCmd("backup <vm>", "Stream the VM state into a compressed file", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.Backup(ctx, req) }))

var mountMediaCmd = transcriptCmd("mount-media <vm> <iso>", "Insert an ISO from the ISO directory", cobra.ExactArgs(2), runtimeGroup.ID,
	func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return App.Engine.MountMedia(ctx, engine.MediaRequest{ID: args[0], ISOName: args[1]})
	})

var migrateVMCmd = transcriptCmd("migrate <vm> <target-ip>", "Start a live migration to another host", cobra.ExactArgs(2), runtimeGroup.ID,
	func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return App.Engine.Migrate(ctx, engine.MigrateRequest{ID: args[0], Target: args[1]})
	})

var consoleStartCmd = transcriptCmd("console-start <vm>", "Publish the VM display on its console port through websockify", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.ConsoleStart(ctx, req) }))

var consoleStopCmd = transcriptCmd("console-stop <vm>", "Stop the console proxy of a VM", cobra.ExactArgs(1), runtimeGroup.ID,
	vmOp(func(ctx context.Context, req engine.VMRequest) (string, error) { return App.Engine.ConsoleStop(ctx, req) }))
