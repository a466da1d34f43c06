package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/mount"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the data lake container",
	Long: `Mount the configured data lake container under mount.mount_point.

The client secret is read from the secret store under mount.secret_scope and
mount.secret_key (datalake/adappsecret by default) and is never persisted.
Use --source to mount another backend instead (file://, mem://, s3://, gs://).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("mount"); err != nil {
			return err
		}

		mounts, err := openMounts(cfg)
		if err != nil {
			return err
		}

		point, _ := cmd.Flags().GetString("mount-point")
		if point == "" {
			point = cfg.Mount.MountPoint
		}
		source, _ := cmd.Flags().GetString("source")
		force, _ := cmd.Flags().GetBool("force")
		skipProbe, _ := cmd.Flags().GetBool("skip-probe")
		opts := mount.Options{Force: force, SkipProbe: skipProbe}

		if source != "" {
			err = mounts.Mount(ctx, mount.Mount{MountPoint: point, Source: source}, opts)
		} else {
			creds := mount.Credentials{
				ClientID:           cfg.Mount.ClientID,
				TokenEndpoint:      cfg.Mount.TokenEndpoint,
				StorageAccountName: cfg.Mount.StorageAccountName,
				ContainerName:      cfg.Mount.ContainerName,
			}
			err = mounts.MountDataLake(ctx, point, creds, cfg.Mount.SecretScope, cfg.Mount.SecretKey, opts)
		}
		if err != nil {
			return eris.Wrap(err, "mount")
		}

		fmt.Printf("Mounted %s\n", point)
		return nil
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <mount-point>",
	Short: "Remove a mount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mounts, err := openMounts(cfg)
		if err != nil {
			return err
		}
		if err := mounts.Unmount(args[0]); err != nil {
			return eris.Wrap(err, "unmount")
		}
		fmt.Printf("Unmounted %s\n", args[0])
		return nil
	},
}

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List mounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		mounts, err := openMounts(cfg)
		if err != nil {
			return err
		}
		list, err := mounts.List()
		if err != nil {
			return eris.Wrap(err, "mounts")
		}
		if len(list) == 0 {
			zap.L().Info("no mounts found, run 'mount' to mount the data lake")
			return nil
		}
		formatMounts(os.Stdout, list)
		return nil
	},
}

func init() {
	mountCmd.Flags().String("mount-point", "", "mount point under /mnt/ (default from config)")
	mountCmd.Flags().String("source", "", "mount this storage URL instead of the configured container")
	mountCmd.Flags().Bool("force", false, "replace an existing mount at the same point")
	mountCmd.Flags().Bool("skip-probe", false, "persist the mount without listing the backend first")
	rootCmd.AddCommand(mountCmd, unmountCmd, mountsCmd)
}

// formatMounts writes a tabular listing of mounts to out.
func formatMounts(out io.Writer, mounts []mount.Mount) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MOUNT POINT\tSOURCE\tSECRET\tCREATED")
	for _, m := range mounts {
		secretRef := "-"
		if m.SecretScope != "" {
			secretRef = m.SecretScope + "/" + m.SecretKey
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.MountPoint,
			m.Source,
			secretRef,
			m.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
