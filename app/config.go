// Package app wires the chat core into runnable programs: configuration,
// logging, the terminal client and the development server.
package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/pawchat/core"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig,
// e.g. PAWCHAT_SERVER or PAWCHAT_DEVSERVER_PORT.
const EnvPrefix = "PAWCHAT"

type Config struct {
	// Server is the base URL of the chat API.
	Server string `mapstructure:"server" validate:"required,url"`
	// WSURL overrides the live channel URL derived from Server.
	WSURL string `mapstructure:"wsurl" validate:"omitempty,url"`
	// User is the uid to chat as.
	User string `mapstructure:"user"`
	// Name is the display name of User.
	Name string `mapstructure:"name"`
	// Token is a bearer token for User. When empty and DevLogin is set a
	// token is requested from the development server.
	Token    string `mapstructure:"token"`
	DevLogin bool   `mapstructure:"devlogin"`

	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`

	Session struct {
		ConnectTimeout       time.Duration `mapstructure:"connecttimeout"`
		JoinTimeout          time.Duration `mapstructure:"jointimeout"`
		TypingIdle           time.Duration `mapstructure:"typingidle"`
		OptimisticTimeout    time.Duration `mapstructure:"optimistictimeout"`
		PollInterval         time.Duration `mapstructure:"pollinterval"`
		MaxReconnectAttempts int           `mapstructure:"maxreconnectattempts" validate:"gte=-1"`
		DisableStreaming     bool          `mapstructure:"disablestreaming"`
		DisablePolling       bool          `mapstructure:"disablepolling"`
	} `mapstructure:"session"`

	Devserver DevserverConfig `mapstructure:"devserver" validate:"-"`
}

type DevserverConfig struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `mapstructure:"port" validate:"required,port"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `mapstructure:"hostname" validate:"required"`
	// Secret is the base64 encoded key tokens are signed with.
	// The default is a random 32 byte key.
	Secret Base64Encoded `mapstructure:"secret" validate:"required"`
	// AllowedOrigins is the list of origins browsers may call the server from.
	AllowedOrigins []string `mapstructure:"allowedorigins"`
	// DevLogin enables POST /dev/token.
	DevLogin bool `mapstructure:"devlogin"`
	TLS      struct {
		Crt string `mapstructure:"crt"`
		Key string `mapstructure:"key" validate:"required_with=Crt"`
	} `mapstructure:"tls"`
	// Users seeds the accounts of the server. Demo users are created when empty.
	Users []DevUser `mapstructure:"users" validate:"dive"`
}

type DevUser struct {
	UID         string   `mapstructure:"uid" validate:"required"`
	DisplayName string   `mapstructure:"name"`
	AvatarURL   string   `mapstructure:"avatar" validate:"omitempty,url"`
	Friends     []string `mapstructure:"friends"`
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads .env, then the config file and PAWCHAT_* environment
// variables into v and decodes the result. Flags bound to v take precedence.
// An empty file looks for pawchat.yaml in the working directory, which may be absent.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("wsurl", "")
	v.SetDefault("user", "")
	v.SetDefault("name", "")
	v.SetDefault("token", "")
	v.SetDefault("devlogin", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("session.connecttimeout", core.DefaultConnectTimeout)
	v.SetDefault("session.jointimeout", core.DefaultJoinTimeout)
	v.SetDefault("session.typingidle", core.DefaultTypingIdle)
	v.SetDefault("session.optimistictimeout", core.DefaultOptimisticTimeout)
	v.SetDefault("session.pollinterval", core.DefaultPollInterval)
	v.SetDefault("session.maxreconnectattempts", core.DefaultMaxReconnectAttempts)
	v.SetDefault("session.disablestreaming", false)
	v.SetDefault("session.disablepolling", false)

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("devserver.port", 8080)
	v.SetDefault("devserver.hostname", "0.0.0.0")
	v.SetDefault("devserver.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("devserver.allowedorigins", []string{"*"})
	v.SetDefault("devserver.devlogin", true)
	v.SetDefault("devserver.tls.crt", "")
	v.SetDefault("devserver.tls.key", "")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pawchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

// Validate validates the settings shared by every command.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ValidateClient validates the settings of the chat client.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.User == "" {
		return errors.New("user is a required field")
	}
	if c.Token == "" && !c.DevLogin {
		return errors.New("either token or devlogin is required")
	}
	return nil
}

// ValidateDevserver validates the settings of the development server.
func (c *Config) ValidateDevserver() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return validate.Struct(&c.Devserver)
}

// SessionConfig returns the core session configuration.
func (c *Config) SessionConfig() core.Config {
	return core.Config{
		APIURL:               c.Server,
		WSURL:                c.WSURL,
		ConnectTimeout:       c.Session.ConnectTimeout,
		JoinTimeout:          c.Session.JoinTimeout,
		TypingIdle:           c.Session.TypingIdle,
		OptimisticTimeout:    c.Session.OptimisticTimeout,
		PollInterval:         c.Session.PollInterval,
		MaxReconnectAttempts: c.Session.MaxReconnectAttempts,
		DisableStreaming:     c.Session.DisableStreaming,
		DisablePolling:       c.Session.DisablePolling,
	}
}

// FormatValidationErrors renders validation errors with one line per field.
// Other errors are returned as is.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
