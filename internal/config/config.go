// Package config loads and validates sink configuration via Viper.
//
// Every option can be supplied through a YAML config file or through the
// environment with a MONGODB_ prefix (MONGODB_URI, MONGODB_DATABASE, ...).
// An option is only overridden when the source supplies a non-empty value;
// an absent key or an empty string leaves the default in place.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Default option values. These mirror what a bare sink does with no
// configuration at all: a local single-node MongoDB, one collection,
// plain inserts, no buffering.
const (
	DefaultURI         = "mongodb://localhost:27017"
	DefaultDatabase    = "mongosink"
	DefaultCollection  = "items"
	DefaultGridFSTag   = "big_field"
	DefaultMongoDBPort = 27017
)

// Config captures every knob the item sink recognizes.
type Config struct {
	// URI is the MongoDB connection string.
	URI string `mapstructure:"uri"`
	// FSync requests journaled write durability on the server.
	FSync bool `mapstructure:"fsync"`
	// WriteConcern is the number of replica acknowledgements required
	// per write. Zero leaves the driver's acknowledged default in place;
	// unacknowledged writes are never requested.
	WriteConcern int `mapstructure:"write_concern"`
	// Database is the target database name.
	Database string `mapstructure:"database"`
	// Collection is the default target collection name.
	Collection string `mapstructure:"collection"`
	// SeparateCollections routes items into one collection per source name.
	SeparateCollections bool `mapstructure:"separate_collections"`
	// ReplicaSet, when non-empty, selects replica-set topology.
	ReplicaSet string `mapstructure:"replica_set"`
	// UniqueKey switches the writer into upsert mode. One entry is a
	// single-field key; multiple entries form a composite key. It is
	// resolved by hand because the source value may be a string or a list.
	UniqueKey []string `mapstructure:"-"`
	// Buffer is the batch size; zero disables buffering.
	Buffer int `mapstructure:"buffer"`
	// AppendTimestamp attaches a nested {ts: <utc now>} document to every item.
	AppendTimestamp bool `mapstructure:"append_timestamp"`
	// StopOnDuplicate stops the crawl after this many duplicate-key
	// failures; zero disables the policy.
	StopOnDuplicate int `mapstructure:"stop_on_duplicate"`
	// GridFSThresholdBytes routes any field whose estimated serialized
	// size exceeds this value to the large-object store; zero disables
	// size-based routing.
	GridFSThresholdBytes int `mapstructure:"gridfs_threshold_bytes"`
	// GridFSFieldTag is the field metadata tag that forces large-object routing.
	GridFSFieldTag string `mapstructure:"gridfs_field_tag"`

	LargeObject LargeObjectConfig `mapstructure:"large_object"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// LargeObjectConfig selects the backend used for oversized field values.
type LargeObjectConfig struct {
	// Backend is one of "gridfs", "gcs" or "noop".
	Backend string `mapstructure:"backend"`
	// GCSBucket names the bucket for the "gcs" backend.
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// NotifyConfig controls the optional stop-event publisher.
type NotifyConfig struct {
	// Provider is one of "noop" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// notSet reports whether a string option value is absent or empty.
func notSet(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Load builds a Config from disk/environment. The logger is used for
// deprecation warnings only and may be nil.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetEnvPrefix("MONGODB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	applyDeprecated(v, logger)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.UniqueKey = resolveUniqueKey(v.Get("unique_key"))

	// Empty string values never override a default.
	if notSet(cfg.URI) {
		cfg.URI = DefaultURI
	}
	if notSet(cfg.Database) {
		cfg.Database = DefaultDatabase
	}
	if notSet(cfg.Collection) {
		cfg.Collection = DefaultCollection
	}
	if notSet(cfg.GridFSFieldTag) {
		cfg.GridFSFieldTag = DefaultGridFSTag
	}
	if notSet(cfg.LargeObject.Backend) {
		cfg.LargeObject.Backend = "gridfs"
	}
	if notSet(cfg.Notify.Provider) {
		cfg.Notify.Provider = "noop"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyDeprecated translates legacy host/port options into a connection
// URI, warning on every legacy key encountered. An explicitly configured
// URI always wins over the translated one.
func applyDeprecated(v *viper.Viper, logger *zap.Logger) {
	// IsSet ignores defaults, so a URI explicitly set to the default
	// value still counts as explicit.
	explicitURI := v.IsSet("uri") && !notSet(v.GetString("uri"))

	host := v.GetString("host")
	if !notSet(host) {
		logger.Warn("DeprecationWarning: MONGODB_HOST is deprecated, use MONGODB_URI")
		port := v.GetInt("port")
		if port > 0 {
			logger.Warn("DeprecationWarning: MONGODB_PORT is deprecated, use MONGODB_URI")
		} else {
			port = DefaultMongoDBPort
		}
		if !explicitURI {
			v.Set("uri", fmt.Sprintf("mongodb://%s:%d", host, port))
		}
	}

	if !notSet(v.GetString("replica_set")) {
		hosts := v.GetString("replica_set_hosts")
		if !notSet(hosts) {
			logger.Warn("DeprecationWarning: MONGODB_REPLICA_SET_HOSTS is deprecated, use MONGODB_URI")
			if !explicitURI {
				v.Set("uri", "mongodb://"+hosts)
			}
		}
	}
}

// resolveUniqueKey normalizes the unique_key option, which may arrive as
// a single field name or as a list of field names forming a composite key.
func resolveUniqueKey(raw any) []string {
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		if notSet(val) {
			return nil
		}
		return []string{val}
	case []string:
		return compactKey(val)
	case []any:
		keys := make([]string, 0, len(val))
		for _, entry := range val {
			keys = append(keys, fmt.Sprint(entry))
		}
		return compactKey(keys)
	default:
		return []string{fmt.Sprint(val)}
	}
}

func compactKey(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !notSet(k) {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("uri", DefaultURI)
	v.SetDefault("fsync", false)
	v.SetDefault("write_concern", 0)
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("collection", DefaultCollection)
	v.SetDefault("separate_collections", false)
	v.SetDefault("replica_set", "")
	v.SetDefault("unique_key", nil)
	v.SetDefault("buffer", 0)
	v.SetDefault("append_timestamp", false)
	v.SetDefault("stop_on_duplicate", 0)
	v.SetDefault("gridfs_threshold_bytes", 0)
	v.SetDefault("gridfs_field_tag", DefaultGridFSTag)
	v.SetDefault("large_object.backend", "gridfs")
	v.SetDefault("large_object.gcs_bucket", "")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_id", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and rejects illegal combinations.
func (c Config) Validate() error {
	if c.Buffer > 0 && len(c.UniqueKey) > 0 {
		return fmt.Errorf("setting both buffer and unique_key is not supported")
	}
	if c.StopOnDuplicate < 0 {
		return fmt.Errorf("stop_on_duplicate must be >= 0, got %d", c.StopOnDuplicate)
	}
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must be >= 0, got %d", c.Buffer)
	}
	if c.GridFSThresholdBytes < 0 {
		return fmt.Errorf("gridfs_threshold_bytes must be >= 0, got %d", c.GridFSThresholdBytes)
	}
	// An empty backend or provider means the default; hand-constructed
	// configs are not required to spell them out.
	switch c.LargeObject.Backend {
	case "", "gridfs", "noop":
	case "gcs":
		if notSet(c.LargeObject.GCSBucket) {
			return fmt.Errorf("large_object.gcs_bucket must be set when the gcs backend is selected")
		}
	default:
		return fmt.Errorf("unknown large object backend: %s", c.LargeObject.Backend)
	}
	switch c.Notify.Provider {
	case "", "noop":
	case "pubsub":
		if notSet(c.Notify.ProjectID) || notSet(c.Notify.TopicID) {
			return fmt.Errorf("notify.project_id and notify.topic_id must be set when the pubsub provider is selected")
		}
	default:
		return fmt.Errorf("unknown notify provider: %s", c.Notify.Provider)
	}
	return nil
}
