package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/syntrixbase/broker/internal/ttl"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.Mkdir(dir, 0o755))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, StrategySimple, cfg.Subscriptions.Strategy)
	assert.Equal(t, 50, cfg.Subscriptions.PageSize)
	assert.Equal(t, "Subscriptions", cfg.Subscriptions.Tables.Subscriptions)
	assert.Equal(t, ttl.Default(), cfg.TTL.Connections)
	assert.Equal(t, FeedMemory, cfg.Feed.Transport)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "data", "broker.db"), cfg.Store.SQLite.Path)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "logs"), cfg.Logging.Dir)
}

func TestLoad_FilesLayer(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "broker.yml", `
store:
  backend: sqlite
  sqlite:
    path: /var/lib/broker.db
ttl:
  connections: false
  subscriptions: 60
  events: 2h
subscriptions:
  strategy: range
  page_size: 10
feed:
  transport: nats
  codec: cbor
  max_wait: 5ms
`)
	writeConfig(t, dir, "broker.local.yml", `
subscriptions:
  page_size: 25
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/broker.db", cfg.Store.SQLite.Path)
	assert.False(t, cfg.TTL.Connections.Enabled())
	assert.False(t, cfg.TTL.Connections.IsZero(), "explicit false survives defaults")
	assert.Equal(t, ttl.Seconds(60), cfg.TTL.Subscriptions)
	assert.Equal(t, ttl.Seconds(7200), cfg.TTL.Events)
	assert.Equal(t, StrategyRange, cfg.Subscriptions.Strategy)
	assert.Equal(t, 25, cfg.Subscriptions.PageSize)
	assert.Equal(t, FeedNATS, cfg.Feed.Transport)
	assert.Equal(t, "cbor", cfg.Feed.Codec)
	assert.Equal(t, 5*time.Millisecond, cfg.Feed.MaxWait)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROKER_STORE_BACKEND", "mongo")
	t.Setenv("BROKER_MONGO_URI", "mongodb://env:27017")
	t.Setenv("BROKER_MONGO_DATABASE", "envdb")
	t.Setenv("BROKER_NATS_URL", "nats://env:4222")
	t.Setenv("BROKER_LISTEN", ":9999")
	t.Setenv("BROKER_GATEWAY_SECRET", "gw-secret")
	t.Setenv("BROKER_API_SECRET", "0123456789abcdef")
	t.Setenv("BROKER_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StoreMongo, cfg.Store.Backend)
	assert.Equal(t, "mongodb://env:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, "envdb", cfg.Store.Mongo.Database)
	assert.Equal(t, "nats://env:4222", cfg.Feed.NatsURL)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "gw-secret", cfg.Gateway.Secret)
	assert.Equal(t, "0123456789abcdef", cfg.API.Secret)
	assert.Equal(t, "debug", cfg.Logging.Console.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "broker.yml", "store: [not valid")
	_, err := Load(dir)
	assert.ErrorContains(t, err, "broker.yml")

	cases := map[string]string{
		"backend":    "store:\n  backend: redis\n",
		"strategy":   "subscriptions:\n  strategy: tree\n",
		"transport":  "feed:\n  transport: kafka\n",
		"codec":      "feed:\n  codec: xml\n",
		"gateway":    "gateway:\n  kind: smtp\n",
		"tables":     "subscriptions:\n  events_table: Connections\n",
		"batch":      "store:\n  max_batch_items: 1\n",
		"mongo feed": "feed:\n  transport: mongo\n",
		"log level":  "logging:\n  level: loud\n",
		"api secret": "api:\n  secret: short\n",
		"ws path":    "server:\n  websocket_path: ws\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "broker.yml", content)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnreadableFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "broker.yml"), 0o755))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestLoggingConfig(t *testing.T) {
	var cfg LoggingConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
level: warn
format: json
file:
  enabled: true
  level: error
`), &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, "warn", cfg.Console.Level)
	assert.Equal(t, "json", cfg.Console.Format)
	assert.Equal(t, "error", cfg.File.Level)
	assert.Equal(t, 100, cfg.Rotation.MaxSize)
	assert.NoError(t, cfg.Validate())

	cfg.File.Format = "xml"
	assert.ErrorContains(t, cfg.Validate(), "file log format")
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", resolvePath("/etc/broker/config", ""))
	assert.Equal(t, "/abs/x", resolvePath("/etc/broker/config", "/abs/x"))
	assert.Equal(t, "/etc/broker/data/x", resolvePath("/etc/broker/config", "data/x"))
	assert.Equal(t, "/etc/broker/x", resolvePath("/etc/broker/config", "../x"))
}
