package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/putto11262002/pawchat/chattest"
	"github.com/putto11262002/pawchat/pkg/router"
	"github.com/putto11262002/pawchat/pkg/server"
)

var demoUsers = []DevUser{
	{UID: "alice", DisplayName: "Alice", Friends: []string{"bob", "carol"}},
	{UID: "bob", DisplayName: "Bob", Friends: []string{"alice"}},
	{UID: "carol", DisplayName: "Carol", Friends: []string{"alice"}},
}

// Devserver serves the in-memory chat backend for local development.
type Devserver struct {
	config  *DevserverConfig
	logger  *slog.Logger
	backend *chattest.Backend
	router  *router.Router
	server  *server.Server
}

func NewDevserver(config *DevserverConfig, logger *slog.Logger) (*Devserver, error) {
	d := &Devserver{
		config: config,
		logger: logger,
	}

	opts := []chattest.Option{
		chattest.WithSecret(config.Secret),
		chattest.WithLogger(logger),
	}
	if config.DevLogin {
		opts = append(opts, chattest.WithDevLogin())
	}
	d.backend = chattest.New(opts...)
	if err := d.seed(); err != nil {
		d.backend.Close()
		return nil, err
	}

	d.router = router.New(router.WithLogger(logger))
	d.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	d.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) error {
		return router.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	d.router.Mount("/", d.backend.Handler())

	d.server = &server.Server{
		Server: &http.Server{
			Addr:      fmt.Sprintf("%s:%d", config.Hostname, config.Port),
			Handler:   d.router,
			TLSConfig: defaultTLSConfig.Clone(),
		},
		CertFile: config.TLS.Crt,
		KeyFile:  config.TLS.Key,
		Logger:   logger,
		CleanUpFuncs: []func(context.Context){
			func(context.Context) { d.backend.Close() },
		},
	}
	return d, nil
}

func (d *Devserver) seed() error {
	users := d.config.Users
	if len(users) == 0 {
		users = demoUsers
	}
	for _, u := range users {
		name := u.DisplayName
		if name == "" {
			name = u.UID
		}
		d.backend.AddUser(chattest.User{UID: u.UID, DisplayName: name, AvatarURL: u.AvatarURL})
	}
	for _, u := range users {
		for _, f := range u.Friends {
			if err := d.backend.AddFriends(u.UID, f); err != nil {
				return fmt.Errorf("seed friends of %s: %w", u.UID, err)
			}
		}
	}
	d.logger.Info(fmt.Sprintf("seeded %d users", len(users)))
	return nil
}

// Handler returns the HTTP handler of the server.
func (d *Devserver) Handler() http.Handler {
	return d.router
}

// Backend returns the chat backend served.
func (d *Devserver) Backend() *chattest.Backend {
	return d.backend
}

// Run serves until ctx is done.
func (d *Devserver) Run(ctx context.Context) error {
	return d.server.Run(ctx)
}
