package main

import (
	"fmt"
	"os"

	"github.com/putto11262002/pawchat/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "pawchat",
	Short:         "Real-time chat client and development server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig   string
	flagLogLevel string
	v            = viper.New()
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "config file (default ./pawchat.yaml if present)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
	v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(chatCmd, devserverCmd)
}

// loadConfig loads the configuration once the flags have been parsed.
func loadConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig(v, flagConfig)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pawchat: %s\n", app.FormatValidationErrors(err))
		os.Exit(1)
	}
}
