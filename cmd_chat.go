package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/putto11262002/pawchat/app"
	"github.com/putto11262002/pawchat/core"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat from the terminal",
	RunE:  runChat,
}

func init() {
	flags := chatCmd.Flags()
	flags.String("server", "", "base URL of the chat API")
	flags.String("user", "", "uid to chat as")
	flags.String("name", "", "display name")
	flags.String("token", "", "bearer token")
	flags.Bool("dev-login", false, "get a token from the development server")
	flags.Bool("no-streaming", false, "use polling only")

	v.BindPFlag("server", flags.Lookup("server"))
	v.BindPFlag("user", flags.Lookup("user"))
	v.BindPFlag("name", flags.Lookup("name"))
	v.BindPFlag("token", flags.Lookup("token"))
	v.BindPFlag("devlogin", flags.Lookup("dev-login"))
	v.BindPFlag("session.disablestreaming", flags.Lookup("no-streaming"))
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	// the terminal owns stdout
	logger, err := app.NewLogger(os.Stderr, cfg.Log.Level)
	if err != nil {
		return err
	}

	var tokens core.TokenSource
	if cfg.Token != "" {
		tokens = core.NewCachingTokenSource(core.StaticToken(cfg.Token), 0)
	} else {
		tokens = app.DevLoginTokens(cfg.Server, cfg.User, nil)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.User
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionCfg := cfg.SessionConfig()
	sessionCfg.Logger = logger
	session, err := core.Connect(ctx, core.Credentials{UserID: cfg.User, DisplayName: name, Tokens: tokens}, sessionCfg)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}

	runErr := app.NewTerminal(session, os.Stdin, os.Stdout, logger).Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := core.Disconnect(closeCtx, session); err != nil {
		logger.Warn(fmt.Sprintf("disconnect: %v", err))
	}
	return runErr
}
