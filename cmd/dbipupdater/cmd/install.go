package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/dbip_updater/internal/install"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Prepare the host configuration and seed default settings",
	Long: `Check that the host version is supported, make sure the GeoIP2 section
carries a dbipMmdbUrl key and store default settings that are missing.
Existing values are never overwritten, so install can be run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := install.NewInstaller(a.host, a.settings, a.cfg.HostVersion, a.logger).Install(ctx)
		if err != nil {
			return err
		}
		return printOutput(os.Stdout, rep)
	},
}

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the updater, keeping the stored MMDB URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		return install.NewInstaller(a.host, a.settings, a.cfg.HostVersion, a.logger).Uninstall(ctx)
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
