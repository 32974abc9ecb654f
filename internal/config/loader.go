package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// configFileSearchPath lists candidate TOML config file locations, in order.
var configFileSearchPath = []string{
	"sync.toml",
	"config/sync.toml",
	"./config/sync.toml",
}

// tomlConfig mirrors Config with TOML tags; env vars always win over it.
type tomlConfig struct {
	Device    tomlDevice    `toml:"device"`
	Store     tomlStore     `toml:"store"`
	Sync      tomlSync      `toml:"sync"`
	Hub       tomlHub       `toml:"hub"`
	Discovery tomlDiscovery `toml:"discovery"`
	Election  tomlElection  `toml:"election"`
	Cloud     tomlCloud     `toml:"cloud"`
	Secrets   tomlSecrets   `toml:"secrets"`
	HTTP      tomlHTTP      `toml:"http"`
	DataDir   string        `toml:"data_dir"`
	DevMode   bool          `toml:"dev_mode"`
}

type tomlDevice struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Priority int    `toml:"priority"`
}

type tomlStore struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type tomlSync struct {
	Mode              string `toml:"mode"`
	HubURL            string `toml:"hub_url"`
	BatchSize         int    `toml:"batch_size"`
	PollIntervalSecs  int    `toml:"poll_interval_secs"`
	InitialBackoffMs  int    `toml:"initial_backoff_ms"`
	MaxBackoffSecs    int    `toml:"max_backoff_secs"`
	MaxRetry          int    `toml:"max_retry"`
	ConnectTimeoutSec int    `toml:"connect_timeout_secs"`
}

type tomlHub struct {
	Port                  int    `toml:"port"`
	BindAddr              string `toml:"bind_addr"`
	HeartbeatIntervalSecs int    `toml:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs  int    `toml:"heartbeat_timeout_secs"`
	BroadcastMode         string `toml:"broadcast_mode"`
	CoalesceWindowMs      int    `toml:"coalesce_window_ms"`
}

type tomlDiscovery struct {
	UDPPort     int    `toml:"udp_port"`
	TimeoutSecs int    `toml:"timeout_secs"`
	Strategy    string `toml:"strategy"`
}

type tomlElection struct {
	TimeoutMinMs       int    `toml:"timeout_min_ms"`
	TimeoutMaxMs       int    `toml:"timeout_max_ms"`
	SharedStateBackend string `toml:"shared_state_backend"`
	RedisURL           string `toml:"redis_url"`
}

type tomlCloud struct {
	Enabled           bool   `toml:"enabled"`
	URL               string `toml:"url"`
	TenantID          string `toml:"tenant_id"`
	APIKey            string `toml:"api_key"`
	BatchSize         int    `toml:"batch_size"`
	UploadIntervalS   int    `toml:"upload_interval_secs"`
	DownloadInterval  int    `toml:"download_interval_secs"`
	ConnectTimeoutS   int    `toml:"connect_timeout_secs"`
	RequestTimeoutS   int    `toml:"request_timeout_secs"`
	DownloadTransport string `toml:"download_transport"`
	NATSURL           string `toml:"nats_url"`
}

type tomlSecrets struct {
	Provider   string `toml:"provider"`
	DataDir    string `toml:"data_dir"`
	AWSRegion  string `toml:"aws_region"`
	AWSPrefix  string `toml:"aws_prefix"`
	VaultAddr  string `toml:"vault_addr"`
	VaultPath  string `toml:"vault_path"`
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

type tomlHTTP struct {
	Port int `toml:"port"`
}

// LoadWithFile loads configuration, applying (in increasing priority):
// built-in defaults, an explicit or discovered TOML file, then environment
// variables. Pass an empty path to use configFileSearchPath.
func LoadWithFile(path string) (*Config, error) {
	cfg := defaults()

	file := path
	if file == "" {
		file = findConfigFile()
	}
	if file != "" {
		var tc tomlConfig
		if _, err := toml.DecodeFile(file, &tc); err != nil {
			return nil, err
		}
		applyTOML(cfg, &tc)
	}

	// Environment variables always win; re-apply them over file values.
	envOverride := defaults()
	mergeEnvOnly(cfg, envOverride)

	return cfg, nil
}

func findConfigFile() string {
	for _, p := range configFileSearchPath {
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			if err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}

// applyTOML overlays file-provided values onto cfg wherever the field was
// present in the file; the caller re-applies environment variables after it.
// Zero/empty file values are treated as "not set" and left at the default.
// The [cloud] connect_timeout_secs and request_timeout_secs keys and every
// [secrets] key other than provider are parsed but not applied.
func applyTOML(cfg *Config, tc *tomlConfig) {
	if tc.Device.ID != "" {
		cfg.Device.ID = tc.Device.ID
	}
	if tc.Device.Name != "" {
		cfg.Device.Name = tc.Device.Name
	}
	if tc.Device.Priority != 0 {
		cfg.Device.Priority = tc.Device.Priority
	}
	if tc.Store.ID != "" {
		cfg.Store.ID = tc.Store.ID
	}
	if tc.Store.Name != "" {
		cfg.Store.Name = tc.Store.Name
	}
	if tc.Sync.Mode != "" {
		cfg.Sync.Mode = SyncMode(tc.Sync.Mode)
	}
	if tc.Sync.HubURL != "" {
		cfg.Sync.HubURL = tc.Sync.HubURL
	}
	if tc.Sync.BatchSize != 0 {
		cfg.Sync.BatchSize = tc.Sync.BatchSize
	}
	if tc.Sync.PollIntervalSecs != 0 {
		cfg.Sync.PollIntervalSecs = tc.Sync.PollIntervalSecs
	}
	if tc.Sync.InitialBackoffMs != 0 {
		cfg.Sync.InitialBackoffMs = tc.Sync.InitialBackoffMs
	}
	if tc.Sync.MaxBackoffSecs != 0 {
		cfg.Sync.MaxBackoffSecs = tc.Sync.MaxBackoffSecs
	}
	if tc.Sync.MaxRetry != 0 {
		cfg.Sync.MaxRetry = tc.Sync.MaxRetry
	}
	if tc.Sync.ConnectTimeoutSec != 0 {
		cfg.Sync.ConnectTimeoutSec = tc.Sync.ConnectTimeoutSec
	}
	if tc.Hub.Port != 0 {
		cfg.Hub.Port = tc.Hub.Port
	}
	if tc.Hub.BindAddr != "" {
		cfg.Hub.BindAddr = tc.Hub.BindAddr
	}
	if tc.Hub.HeartbeatIntervalSecs != 0 {
		cfg.Hub.HeartbeatIntervalSecs = tc.Hub.HeartbeatIntervalSecs
	}
	if tc.Hub.HeartbeatTimeoutSecs != 0 {
		cfg.Hub.HeartbeatTimeoutSecs = tc.Hub.HeartbeatTimeoutSecs
	}
	if tc.Hub.BroadcastMode != "" {
		cfg.Hub.BroadcastMode = BroadcastMode(tc.Hub.BroadcastMode)
	}
	if tc.Hub.CoalesceWindowMs != 0 {
		cfg.Hub.CoalesceWindowMs = tc.Hub.CoalesceWindowMs
	}
	if tc.Discovery.UDPPort != 0 {
		cfg.Discovery.UDPPort = tc.Discovery.UDPPort
	}
	if tc.Discovery.TimeoutSecs != 0 {
		cfg.Discovery.TimeoutSecs = tc.Discovery.TimeoutSecs
	}
	if tc.Discovery.Strategy != "" {
		cfg.Discovery.Strategy = DiscoveryStrategy(tc.Discovery.Strategy)
	}
	if tc.Election.TimeoutMinMs != 0 {
		cfg.Election.TimeoutMinMs = tc.Election.TimeoutMinMs
	}
	if tc.Election.TimeoutMaxMs != 0 {
		cfg.Election.TimeoutMaxMs = tc.Election.TimeoutMaxMs
	}
	if tc.Election.SharedStateBackend != "" {
		cfg.Election.SharedStateBackend = tc.Election.SharedStateBackend
	}
	if tc.Election.RedisURL != "" {
		cfg.Election.RedisURL = tc.Election.RedisURL
	}
	if tc.Cloud.Enabled {
		cfg.Cloud.Enabled = true
	}
	if tc.Cloud.URL != "" {
		cfg.Cloud.URL = tc.Cloud.URL
	}
	if tc.Cloud.TenantID != "" {
		cfg.Cloud.TenantID = tc.Cloud.TenantID
	}
	if tc.Cloud.APIKey != "" {
		cfg.Cloud.APIKey = tc.Cloud.APIKey
	}
	if tc.Cloud.BatchSize != 0 {
		cfg.Cloud.BatchSize = tc.Cloud.BatchSize
	}
	if tc.Cloud.UploadIntervalS != 0 {
		cfg.Cloud.UploadIntervalS = tc.Cloud.UploadIntervalS
	}
	if tc.Cloud.DownloadInterval != 0 {
		cfg.Cloud.DownloadInterval = tc.Cloud.DownloadInterval
	}
	if tc.Cloud.DownloadTransport != "" {
		cfg.Cloud.DownloadTransport = tc.Cloud.DownloadTransport
	}
	if tc.Cloud.NATSURL != "" {
		cfg.Cloud.NATSURL = tc.Cloud.NATSURL
	}
	if tc.Secrets.Provider != "" {
		cfg.Secrets.Provider = tc.Secrets.Provider
	}
	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}
	if tc.DataDir != "" {
		cfg.DataDir = tc.DataDir
	}
	if tc.DevMode {
		cfg.DevMode = true
	}
}

// mergeEnvOnly overwrites cfg fields from envOnly wherever the matching
// environment variable is actually present in the process environment.
func mergeEnvOnly(cfg, envOnly *Config) {
	setIfEnv := func(key string, apply func()) {
		if _, ok := os.LookupEnv(key); ok {
			apply()
		}
	}

	setIfEnv("TITAN_DEVICE_ID", func() { cfg.Device.ID = envOnly.Device.ID })
	setIfEnv("TITAN_DEVICE_NAME", func() { cfg.Device.Name = envOnly.Device.Name })
	setIfEnv("TITAN_DEVICE_PRIORITY", func() { cfg.Device.Priority = envOnly.Device.Priority })
	setIfEnv("TITAN_STORE_ID", func() { cfg.Store.ID = envOnly.Store.ID })
	setIfEnv("TITAN_STORE_NAME", func() { cfg.Store.Name = envOnly.Store.Name })
	setIfEnv("TITAN_SYNC_MODE", func() { cfg.Sync.Mode = envOnly.Sync.Mode })
	setIfEnv("TITAN_SYNC_HUB_URL", func() { cfg.Sync.HubURL = envOnly.Sync.HubURL })
	setIfEnv("TITAN_SYNC_BATCH_SIZE", func() { cfg.Sync.BatchSize = envOnly.Sync.BatchSize })
	setIfEnv("TITAN_SYNC_POLL_INTERVAL_SECS", func() { cfg.Sync.PollIntervalSecs = envOnly.Sync.PollIntervalSecs })
	setIfEnv("TITAN_SYNC_INITIAL_BACKOFF_MS", func() { cfg.Sync.InitialBackoffMs = envOnly.Sync.InitialBackoffMs })
	setIfEnv("TITAN_SYNC_MAX_BACKOFF_SECS", func() { cfg.Sync.MaxBackoffSecs = envOnly.Sync.MaxBackoffSecs })
	setIfEnv("TITAN_SYNC_MAX_RETRY", func() { cfg.Sync.MaxRetry = envOnly.Sync.MaxRetry })
	setIfEnv("TITAN_HUB_PORT", func() { cfg.Hub.Port = envOnly.Hub.Port })
	setIfEnv("TITAN_HUB_BIND_ADDR", func() { cfg.Hub.BindAddr = envOnly.Hub.BindAddr })
	setIfEnv("TITAN_HUB_HEARTBEAT_INTERVAL_SECS", func() { cfg.Hub.HeartbeatIntervalSecs = envOnly.Hub.HeartbeatIntervalSecs })
	setIfEnv("TITAN_HUB_HEARTBEAT_TIMEOUT_SECS", func() { cfg.Hub.HeartbeatTimeoutSecs = envOnly.Hub.HeartbeatTimeoutSecs })
	setIfEnv("TITAN_HUB_BROADCAST_MODE", func() { cfg.Hub.BroadcastMode = envOnly.Hub.BroadcastMode })
	setIfEnv("TITAN_HUB_COALESCE_WINDOW_MS", func() { cfg.Hub.CoalesceWindowMs = envOnly.Hub.CoalesceWindowMs })
	setIfEnv("TITAN_DISCOVERY_UDP_PORT", func() { cfg.Discovery.UDPPort = envOnly.Discovery.UDPPort })
	setIfEnv("TITAN_DISCOVERY_TIMEOUT_SECS", func() { cfg.Discovery.TimeoutSecs = envOnly.Discovery.TimeoutSecs })
	setIfEnv("TITAN_DISCOVERY_STRATEGY", func() { cfg.Discovery.Strategy = envOnly.Discovery.Strategy })
	setIfEnv("TITAN_ELECTION_TIMEOUT_MIN_MS", func() { cfg.Election.TimeoutMinMs = envOnly.Election.TimeoutMinMs })
	setIfEnv("TITAN_ELECTION_TIMEOUT_MAX_MS", func() { cfg.Election.TimeoutMaxMs = envOnly.Election.TimeoutMaxMs })
	setIfEnv("TITAN_ELECTION_SHARED_STATE_BACKEND", func() { cfg.Election.SharedStateBackend = envOnly.Election.SharedStateBackend })
	setIfEnv("TITAN_CLOUD_ENABLED", func() { cfg.Cloud.Enabled = envOnly.Cloud.Enabled })
	setIfEnv("TITAN_CLOUD_URL", func() { cfg.Cloud.URL = envOnly.Cloud.URL })
	setIfEnv("TITAN_CLOUD_API_KEY", func() { cfg.Cloud.APIKey = envOnly.Cloud.APIKey })
	setIfEnv("TITAN_SYNC_CONNECT_TIMEOUT_SECS", func() { cfg.Sync.ConnectTimeoutSec = envOnly.Sync.ConnectTimeoutSec })
	setIfEnv("TITAN_ELECTION_REDIS_URL", func() { cfg.Election.RedisURL = envOnly.Election.RedisURL })
	setIfEnv("TITAN_CLOUD_TENANT_ID", func() { cfg.Cloud.TenantID = envOnly.Cloud.TenantID })
	setIfEnv("TITAN_CLOUD_BATCH_SIZE", func() { cfg.Cloud.BatchSize = envOnly.Cloud.BatchSize })
	setIfEnv("TITAN_CLOUD_UPLOAD_INTERVAL_SECS", func() { cfg.Cloud.UploadIntervalS = envOnly.Cloud.UploadIntervalS })
	setIfEnv("TITAN_CLOUD_DOWNLOAD_INTERVAL_SECS", func() { cfg.Cloud.DownloadInterval = envOnly.Cloud.DownloadInterval })
	setIfEnv("TITAN_CLOUD_DOWNLOAD_TRANSPORT", func() { cfg.Cloud.DownloadTransport = envOnly.Cloud.DownloadTransport })
	setIfEnv("TITAN_CLOUD_NATS_URL", func() { cfg.Cloud.NATSURL = envOnly.Cloud.NATSURL })
	setIfEnv("TITAN_SECRETS_PROVIDER", func() { cfg.Secrets.Provider = envOnly.Secrets.Provider })
	setIfEnv("TITAN_HTTP_PORT", func() { cfg.HTTP.Port = envOnly.HTTP.Port })
	setIfEnv("TITAN_DATA_DIR", func() { cfg.DataDir = envOnly.DataDir })
	setIfEnv("TITAN_DEV", func() { cfg.DevMode = envOnly.DevMode })
}
