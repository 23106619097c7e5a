package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/putto11262002/pawchat/core"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
server: http://chat.example.com/api
user: alice
devlogin: true
log:
  level: debug
session:
  typingidle: 5s
  maxreconnectattempts: -1
devserver:
  port: 9000
  secret: c2VjcmV0
  allowedorigins: ["http://localhost:3000"]
  users:
    - uid: alice
      name: Alice
      friends: [bob]
    - uid: bob
`

// chdir changes the working directory to a fresh directory for the test.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "pawchat.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadConfig(t *testing.T) {
	chdir(t)
	cfg, err := LoadConfig(viper.New(), writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://chat.example.com/api", cfg.Server)
	assert.Equal(t, "alice", cfg.User)
	assert.True(t, cfg.DevLogin)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Session.TypingIdle)
	assert.Equal(t, core.DefaultJoinTimeout, cfg.Session.JoinTimeout)
	assert.Equal(t, -1, cfg.Session.MaxReconnectAttempts)

	assert.Equal(t, 9000, cfg.Devserver.Port)
	assert.Equal(t, "0.0.0.0", cfg.Devserver.Hostname)
	assert.Equal(t, Base64Encoded("secret"), cfg.Devserver.Secret)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Devserver.AllowedOrigins)
	require.Len(t, cfg.Devserver.Users, 2)
	assert.Equal(t, DevUser{UID: "alice", DisplayName: "Alice", Friends: []string{"bob"}}, cfg.Devserver.Users[0])

	require.NoError(t, cfg.ValidateClient())
	require.NoError(t, cfg.ValidateDevserver())

	sc := cfg.SessionConfig()
	assert.Equal(t, "http://chat.example.com/api", sc.APIURL)
	assert.Equal(t, 5*time.Second, sc.TypingIdle)
	assert.Equal(t, -1, sc.MaxReconnectAttempts)
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t)
	cfg, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Server)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, core.DefaultTypingIdle, cfg.Session.TypingIdle)
	assert.Equal(t, core.DefaultMaxReconnectAttempts, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, 8080, cfg.Devserver.Port)
	assert.Len(t, cfg.Devserver.Secret, 32)
	assert.Equal(t, []string{"*"}, cfg.Devserver.AllowedOrigins)
	assert.True(t, cfg.Devserver.DevLogin)
	require.NoError(t, cfg.ValidateDevserver())

	// no user to chat as
	assert.Error(t, cfg.ValidateClient())
}

func TestLoadConfig_Env(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PAWCHAT_TOKEN=from-dotenv\n"), 0o600))
	t.Setenv("PAWCHAT_USER", "bob")
	t.Setenv("PAWCHAT_SESSION_POLLINTERVAL", "250ms")
	t.Setenv("PAWCHAT_DEVSERVER_ALLOWEDORIGINS", "http://a.test,http://b.test")
	t.Cleanup(func() { os.Unsetenv("PAWCHAT_TOKEN") })

	cfg, err := LoadConfig(viper.New(), writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.User)
	assert.Equal(t, "from-dotenv", cfg.Token)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.PollInterval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Devserver.AllowedOrigins)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	chdir(t)
	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_ValidationErrors(t *testing.T) {
	chdir(t)
	cfg, err := LoadConfig(viper.New(), writeConfig(t, `
server: not a url
log:
  level: loud
devserver:
  port: 70000
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	msg := FormatValidationErrors(err)
	assert.Contains(t, msg, "server must be a valid URL")
	assert.Contains(t, msg, "log.level must be one of [debug info warn error]")

	cfg.Server = "http://localhost:8080"
	cfg.Log.Level = "info"
	err = cfg.ValidateDevserver()
	require.Error(t, err)
	assert.Contains(t, FormatValidationErrors(err), "port must be a valid port number")
}
