package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/walteh/vmcontrol/pkg/engine"
)

var diskGroup = &cobra.Group{
	ID:    "disk",
	Title: "Disk Management",
}

func init() {
	rootCmd.AddGroup(diskGroup)
	rootCmd.AddCommand(createDiskCmd, resizeDiskCmd, deleteDiskCmd, listDisksCmd)
}

var createDiskCmd = transcriptCmd("create-disk <name> <size>", "Create a qcow2 disk (size like 40G or 512M)", cobra.ExactArgs(2), diskGroup.ID,
	func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return App.Engine.CreateDisk(ctx, engine.DiskRequest{Name: args[0], Size: args[1]})
	})

var resizeDiskCmd = transcriptCmd("resize-disk <name> <size>", "Grow a disk", cobra.ExactArgs(2), diskGroup.ID,
	func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return App.Engine.ResizeDisk(ctx, engine.DiskRequest{Name: args[0], Size: args[1]})
	})

var deleteDiskCmd = transcriptCmd("delete-disk <name>", "Delete a disk no VM owns", cobra.ExactArgs(1), diskGroup.ID,
	func(ctx context.Context, _ *cobra.Command, args []string) (string, error) {
		return App.Engine.DeleteDisk(ctx, engine.DiskRequest{Name: args[0]})
	})

var listDisksCmd = &cobra.Command{
	Use:     "list-disks",
	Short:   "List all disks",
	Args:    cobra.NoArgs,
	GroupID: diskGroup.ID,
	RunE: func(cmd *cobra.Command, args []string) error {
		disks, err := App.Engine.ListDisks(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(disks) == 0 {
			fmt.Fprintln(w, "No disks")
			return nil
		}
		fmt.Fprintln(w, "Disks:")
		for _, d := range disks {
			owner := d.Owner
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(w, "  - %s (%s, owner: %s)\n", d.Name, d.Size, owner)
		}
		return nil
	},
}
