package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/austindbirch/dbip_updater/internal/config"
)

var (
	cfgFile         string
	envFile         string
	logLevel        string
	hostConfigPath  string
	settingsBackend string
	outputFormat    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dbipupdater",
	Short: "DbipUpdater - keep the DB-IP MMDB download URL current",
	Long: `DbipUpdater fetches the DB-IP JSON descriptor configured in the plugin
settings and stores the MMDB download URL it advertises in the GeoIP2 section
of the host configuration.

Run it once with "run", or keep it running with "serve" to update monthly and
expose the settings API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dbipupdater.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&hostConfigPath, "host-config", "", "host configuration file holding the [GeoIP2] section")
	rootCmd.PersistentFlags().StringVar(&settingsBackend, "settings-backend", "", "settings store: sqlite, postgres or file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("host_config_path", rootCmd.PersistentFlags().Lookup("host-config"))
	viper.BindPFlag("settings_backend", rootCmd.PersistentFlags().Lookup("settings-backend"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dbipupdater")
	}

	viper.SetEnvPrefix("DBIPUPDATER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("output") {
		if o := viper.GetString("output"); o != "" {
			outputFormat = o
		}
	}
}

// loadConfig returns the process configuration with CLI and config file
// values layered over the environment.
func loadConfig() config.Config {
	cfg := config.FromEnv()
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("host_config_path"); v != "" {
		cfg.HostConfigPath = v
	}
	if v := viper.GetString("settings_backend"); v != "" {
		cfg.Settings.Backend = v
	}
	return cfg
}

// printOutput writes v to w in the selected output format.
func printOutput(w io.Writer, v any) error {
	switch outputFormat {
	case "json":
		var data []byte
		var err error
		if msg, ok := v.(proto.Message); ok {
			data, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
		} else {
			data, err = json.MarshalIndent(v, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "text", "":
		_, err := fmt.Fprintf(w, "%+v\n", v)
		return err
	}
	return fmt.Errorf("unknown output format %q", outputFormat)
}
