package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/dbip_updater/internal/settings"
)

// settingsCmd represents the settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the plugin settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		cur, err := a.settings.Load(ctx)
		if err != nil {
			return err
		}
		return printOutput(os.Stdout, cur)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting. Keys: ` + strings.Join(settings.Keys, ", ") + `.
The new value is validated before anything is written.`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return settings.Keys, cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		cur, err := a.settings.Load(ctx)
		if err != nil {
			return err
		}
		if err := applySetting(&cur, args[0], args[1]); err != nil {
			return err
		}
		if err := a.settings.Save(ctx, cur); err != nil {
			return err
		}
		fmt.Println("Settings saved successfully")
		return nil
	},
}

// applySetting parses value according to key's type and stores it in s.
func applySetting(s *settings.Settings, key, value string) error {
	switch key {
	case settings.KeyJSONURL:
		s.JSONURL = value
	case settings.KeyDetailedLogging:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", settings.ErrInvalid, key, value)
		}
		s.DetailedLogging = b
	case settings.KeyConnectionTimeout, settings.KeyMaxRetries:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", settings.ErrInvalid, key, value)
		}
		if key == settings.KeyConnectionTimeout {
			s.ConnectionTimeout = n
		} else {
			s.MaxRetries = n
		}
	default:
		return fmt.Errorf("unknown setting %q (want one of %s)", key, strings.Join(settings.Keys, ", "))
	}
	return nil
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
