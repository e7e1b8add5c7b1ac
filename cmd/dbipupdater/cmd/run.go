package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/austindbirch/dbip_updater/internal/updater"
)

type runOutput struct {
	RunID    string `json:"run_id" yaml:"run_id"`
	URL      string `json:"url" yaml:"url"`
	Changed  bool   `json:"changed" yaml:"changed"`
	Attempts int    `json:"attempts" yaml:"attempts"`
}

func newRunOutput(res updater.Result) runOutput {
	return runOutput{RunID: res.RunID, URL: res.URL, Changed: res.Changed, Attempts: res.Attempts}
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one update now",
	Long: `Fetch the DB-IP JSON descriptor once, retrying as configured, and store
the advertised MMDB URL when it differs from the current one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.newTask()
		if err != nil {
			return err
		}
		res, err := task.Execute(ctx)
		if err != nil {
			return err
		}
		return printOutput(os.Stdout, newRunOutput(res))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
