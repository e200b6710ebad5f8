package config

import (
	"fmt"
	"time"

	"github.com/syntrixbase/broker/internal/subscription"
	"github.com/syntrixbase/broker/internal/ttl"
)

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	WebsocketPath   string        `yaml:"websocket_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          ":8080",
		WebsocketPath:   "/ws",
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *ServerConfig) ApplyDefaults() {
	d := DefaultServerConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = d.WebsocketPath
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

func (c *ServerConfig) ApplyEnvOverrides() {
	envOverride(&c.Listen, "BROKER_LISTEN")
}

func (c *ServerConfig) ResolvePaths(configDir string) {}

func (c *ServerConfig) Validate() error {
	if c.WebsocketPath[0] != '/' {
		return fmt.Errorf("server.websocket_path must start with /: %q", c.WebsocketPath)
	}
	return nil
}

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// MaxBatchItems overrides the backend's per-batch write limit.
	MaxBatchItems int           `yaml:"max_batch_items"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SQLite        SQLiteConfig  `yaml:"sqlite"`
	Mongo         MongoConfig   `yaml:"mongo"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MongoConfig struct {
	URI          string `yaml:"uri"`
	Database     string `yaml:"database"`
	Transactions bool   `yaml:"transactions"`
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:       StoreMemory,
		SweepInterval: time.Minute,
		SQLite:        SQLiteConfig{Path: "data/broker.db"},
		Mongo: MongoConfig{
			URI:          "mongodb://localhost:27017",
			Database:     "broker",
			Transactions: true,
		},
	}
}

func (c *StoreConfig) ApplyDefaults() {
	d := DefaultStoreConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = d.SQLite.Path
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = d.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = d.Mongo.Database
	}
}

func (c *StoreConfig) ApplyEnvOverrides() {
	envOverride(&c.Backend, "BROKER_STORE_BACKEND")
	envOverride(&c.Mongo.URI, "BROKER_MONGO_URI")
	envOverride(&c.Mongo.Database, "BROKER_MONGO_DATABASE")
	envOverride(&c.SQLite.Path, "BROKER_SQLITE_PATH")
}

func (c *StoreConfig) ResolvePaths(configDir string) {
	c.SQLite.Path = resolvePath(configDir, c.SQLite.Path)
}

func (c *StoreConfig) Validate() error {
	if !oneOf(c.Backend, StoreMemory, StoreSQLite, StoreMongo) {
		return fmt.Errorf("invalid store.backend: %s (must be memory, sqlite or mongo)", c.Backend)
	}
	if c.MaxBatchItems < 0 {
		return fmt.Errorf("store.max_batch_items must not be negative")
	}
	if c.MaxBatchItems == 1 {
		return fmt.Errorf("store.max_batch_items must be at least 2 to hold a subscription pair")
	}
	return nil
}

// TTLConfig holds the retention of each record kind. Each value is a
// number of seconds, a duration string, or false to disable expiry.
type TTLConfig struct {
	Connections   ttl.Policy `yaml:"connections"`
	Subscriptions ttl.Policy `yaml:"subscriptions"`
	Events        ttl.Policy `yaml:"events"`
}

func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Connections:   ttl.Default(),
		Subscriptions: ttl.Default(),
		Events:        ttl.Default(),
	}
}

func (c *TTLConfig) ApplyDefaults() {
	for _, p := range []*ttl.Policy{&c.Connections, &c.Subscriptions, &c.Events} {
		if p.IsZero() {
			*p = ttl.Default()
		}
	}
}

func (c *TTLConfig) ApplyEnvOverrides()            {}
func (c *TTLConfig) ResolvePaths(configDir string) {}
func (c *TTLConfig) Validate() error               { return nil }

// Subscription index strategies.
const (
	StrategySimple = "simple"
	StrategyRange  = "range"
)

type SubscriptionsConfig struct {
	Strategy         string              `yaml:"strategy"`
	PageSize         int                 `yaml:"page_size"`
	Tables           subscription.Tables `yaml:"tables"`
	ConnectionsTable string              `yaml:"connections_table"`
	EventsTable      string              `yaml:"events_table"`
}

func DefaultSubscriptionsConfig() SubscriptionsConfig {
	return SubscriptionsConfig{
		Strategy:         StrategySimple,
		PageSize:         subscription.DefaultPageSize,
		Tables:           subscription.DefaultTables(),
		ConnectionsTable: "Connections",
		EventsTable:      "Events",
	}
}

func (c *SubscriptionsConfig) ApplyDefaults() {
	d := DefaultSubscriptionsConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Tables.Subscriptions == "" {
		c.Tables.Subscriptions = d.Tables.Subscriptions
	}
	if c.Tables.SubscriptionOperations == "" {
		c.Tables.SubscriptionOperations = d.Tables.SubscriptionOperations
	}
	if c.ConnectionsTable == "" {
		c.ConnectionsTable = d.ConnectionsTable
	}
	if c.EventsTable == "" {
		c.EventsTable = d.EventsTable
	}
}

func (c *SubscriptionsConfig) ApplyEnvOverrides()            {}
func (c *SubscriptionsConfig) ResolvePaths(configDir string) {}

func (c *SubscriptionsConfig) Validate() error {
	if !oneOf(c.Strategy, StrategySimple, StrategyRange) {
		return fmt.Errorf("invalid subscriptions.strategy: %s (must be simple or range)", c.Strategy)
	}
	names := map[string]bool{}
	for _, n := range []string{c.Tables.Subscriptions, c.Tables.SubscriptionOperations, c.ConnectionsTable, c.EventsTable} {
		if names[n] {
			return fmt.Errorf("subscriptions: table name %q used twice", n)
		}
		names[n] = true
	}
	return nil
}

// Feed transports.
const (
	FeedMemory = "memory"
	FeedNATS   = "nats"
	FeedMongo  = "mongo"
)

type FeedConfig struct {
	Transport string        `yaml:"transport"`
	NatsURL   string        `yaml:"nats_url"`
	Stream    string        `yaml:"stream"`
	Consumer  string        `yaml:"consumer"`
	Codec     string        `yaml:"codec"`
	Storage   string        `yaml:"storage"` // memory or file, JetStream only
	BatchSize int           `yaml:"batch_size"`
	MaxWait   time.Duration `yaml:"max_wait"`
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Transport: FeedMemory,
		NatsURL:   "nats://localhost:4222",
		Stream:    "EVENTS",
		Consumer:  "processor",
		Codec:     "json",
		Storage:   "file",
		BatchSize: 100,
		MaxWait:   50 * time.Millisecond,
	}
}

func (c *FeedConfig) ApplyDefaults() {
	d := DefaultFeedConfig()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.NatsURL == "" {
		c.NatsURL = d.NatsURL
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.Storage == "" {
		c.Storage = d.Storage
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
}

func (c *FeedConfig) ApplyEnvOverrides() {
	envOverride(&c.NatsURL, "BROKER_NATS_URL")
}

func (c *FeedConfig) ResolvePaths(configDir string) {}

func (c *FeedConfig) Validate() error {
	if !oneOf(c.Transport, FeedMemory, FeedNATS, FeedMongo) {
		return fmt.Errorf("invalid feed.transport: %s (must be memory, nats or mongo)", c.Transport)
	}
	if !oneOf(c.Codec, "json", "cbor") {
		return fmt.Errorf("invalid feed.codec: %s (must be json or cbor)", c.Codec)
	}
	if !oneOf(c.Storage, "memory", "file") {
		return fmt.Errorf("invalid feed.storage: %s (must be memory or file)", c.Storage)
	}
	return nil
}

type ProcessorConfig struct {
	// Concurrency caps deliveries in flight within one subscriber page.
	// 0 delivers a whole page at once.
	Concurrency int `yaml:"concurrency"`
}

func DefaultProcessorConfig() ProcessorConfig { return ProcessorConfig{} }

func (c *ProcessorConfig) ApplyDefaults()                {}
func (c *ProcessorConfig) ApplyEnvOverrides()            {}
func (c *ProcessorConfig) ResolvePaths(configDir string) {}

func (c *ProcessorConfig) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("processor.concurrency must not be negative")
	}
	return nil
}

// Gateway kinds.
const (
	GatewayWebsocket = "websocket"
	GatewayHTTP      = "http"
)

type GatewayConfig struct {
	Kind string `yaml:"kind"`
	// Endpoint is stored on connections accepted by the websocket gateway.
	Endpoint       string        `yaml:"endpoint"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	Timeout        time.Duration `yaml:"timeout"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Kind:     GatewayWebsocket,
		Endpoint: "local",
		Issuer:   "broker",
		Timeout:  5 * time.Second,
	}
}

func (c *GatewayConfig) ApplyDefaults() {
	d := DefaultGatewayConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Issuer == "" {
		c.Issuer = d.Issuer
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

func (c *GatewayConfig) ApplyEnvOverrides() {
	envOverride(&c.Secret, "BROKER_GATEWAY_SECRET")
}

func (c *GatewayConfig) ResolvePaths(configDir string) {}

func (c *GatewayConfig) Validate() error {
	if !oneOf(c.Kind, GatewayWebsocket, GatewayHTTP) {
		return fmt.Errorf("invalid gateway.kind: %s (must be websocket or http)", c.Kind)
	}
	return nil
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

func DefaultAPIConfig() APIConfig {
	return APIConfig{Enabled: true, Issuer: "broker"}
}

func (c *APIConfig) ApplyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "broker"
	}
}

func (c *APIConfig) ApplyEnvOverrides() {
	envOverride(&c.Secret, "BROKER_API_SECRET")
}

func (c *APIConfig) ResolvePaths(configDir string) {}

func (c *APIConfig) Validate() error {
	if c.Enabled && len(c.Secret) > 0 && len(c.Secret) < 16 {
		return fmt.Errorf("api.secret must be at least 16 bytes")
	}
	return nil
}
