package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/putto11262002/pawchat/app"
	"github.com/spf13/cobra"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Serve an in-memory chat backend for local development",
	RunE:  runDevserver,
}

func init() {
	flags := devserverCmd.Flags()
	flags.Int("port", 0, "port to listen on (default 8080)")
	flags.String("hostname", "", "hostname to listen on (default 0.0.0.0)")
	flags.StringSlice("allowed-origins", nil, "origins allowed to call the server from a browser")

	v.BindPFlag("devserver.port", flags.Lookup("port"))
	v.BindPFlag("devserver.hostname", flags.Lookup("hostname"))
	v.BindPFlag("devserver.allowedorigins", flags.Lookup("allowed-origins"))
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDevserver(); err != nil {
		return err
	}
	logger, err := app.NewLogger(os.Stdout, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	d, err := app.NewDevserver(&cfg.Devserver, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
