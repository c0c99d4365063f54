package main

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/arbor/cmd/arbor/cmds"
	"github.com/go-go-golems/arbor/pkg/logging"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "arbor keeps branching conversations with a streaming chat endpoint",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return initLogger()
	},
	SilenceUsage: true,
}

func initLogger() error {
	logLevel := viper.GetString("log-level")
	verbose := viper.GetBool("verbose")
	if verbose && logLevel != "trace" {
		logLevel = "debug"
	}

	return logging.InitLogger(&logging.Config{
		Level:      logLevel,
		File:       viper.GetString("log-file"),
		Format:     viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	// .env files are read before the environment is bound
	if err := settings.LoadDotEnv(".env"); err != nil {
		return err
	}
	settings.ConfigureEnv(viper.GetViper())
	settings.SetDefaults(viper.GetViper())

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.arbor")
		viper.AddConfigPath("/etc/arbor")

		// get XDG config path for arbor
		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(xdgConfigPath, "arbor"))
		}
	}

	// Read the configuration file into Viper
	err := viper.ReadInConfig()
	// if the file does not exist, continue normally
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// Config file not found; ignore error
	} else if err != nil {
		// Config file was found but another error was produced
		return err
	}

	// Bind the variables to the command-line flags
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	// this still won't pick up on --verbose to show debug logging when the commands
	// are parsed, but at least it will configure it based on the config file
	if err := initLogger(); err != nil {
		return err
	}

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (json, text)")
	pf.String("log-file", "", "Log file (default: stderr)")
	pf.Bool("with-caller", false, "Log caller")
	pf.Bool("verbose", false, "Verbose output")
	pf.String("metrics-addr", "", "Serve prometheus metrics on this address while streaming")
	pf.String("store.driver", settings.DefaultStoreDriver, "Store backend (memory, yaml, sqlite, pebble)")
	pf.String("store.path", "", "Store file or directory")

	// the config file flag has to be known before the command line is parsed
	configPath := ""
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	pf.String("config", "", "Config file (default: ./config.yaml, $HOME/.arbor, /etc/arbor)")

	err := initCommands(rootCmd, configPath)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		cmds.SendCmd,
		cmds.EditCmd,
		cmds.RegenerateCmd,
		cmds.SwitchCmd,
		cmds.ShowCmd,
		cmds.ListCmd,
		cmds.DeleteCmd,
		cmds.ExportCmd,
		cmds.ImportCmd,
		cmds.SchemaCmd,
	)
}
