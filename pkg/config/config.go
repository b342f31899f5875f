package config

// Package config provides a reusable loader for Synnergy configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"ion-node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an ion-node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	BindAddress       string `mapstructure:"bind_address" json:"bind_address"`
	PeeringConfigPath string `mapstructure:"peering_config_path" json:"peering_config_path"`
	IdentityPEMPath   string `mapstructure:"identity_pem_path" json:"identity_pem_path"`

	Autopeering struct {
		Enabled       bool     `mapstructure:"enabled" json:"enabled"`
		BindAddress   string   `mapstructure:"bind_address" json:"bind_address"`
		EntryNodes    []string `mapstructure:"entry_nodes" json:"entry_nodes"`
		PreferIPv6    bool     `mapstructure:"prefer_ipv6" json:"prefer_ipv6"`
		RunAsEntryNode bool    `mapstructure:"run_as_entry_node" json:"run_as_entry_node"`
	} `mapstructure:"autopeering" json:"autopeering"`

	Protocol struct {
		MinimumPoWScore       float64  `mapstructure:"minimum_pow_score" json:"minimum_pow_score"`
		CoordinatorPublicKeys []string `mapstructure:"coordinator_public_keys" json:"coordinator_public_keys"`
		KeyRanges             []struct {
			PublicKey  string `mapstructure:"public_key" json:"public_key"`
			StartIndex uint32 `mapstructure:"start_index" json:"start_index"`
			EndIndex   uint32 `mapstructure:"end_index" json:"end_index"`
		} `mapstructure:"key_ranges" json:"key_ranges"`
		HandshakeWindowSecs int `mapstructure:"handshake_window_secs" json:"handshake_window_secs"`
		MilestoneSyncCount  int `mapstructure:"ms_sync_count" json:"ms_sync_count"`
		MessageWorkerCache  int `mapstructure:"message_worker_cache" json:"message_worker_cache"`
	} `mapstructure:"protocol" json:"protocol"`

	Tangle struct {
		Capacity   int `mapstructure:"capacity" json:"capacity"`
		Partitions int `mapstructure:"partitions" json:"partitions"`
	} `mapstructure:"tangle" json:"tangle"`

	Store struct {
		Path    string `mapstructure:"path" json:"path"`
		Version int    `mapstructure:"version" json:"version"`
	} `mapstructure:"store" json:"store"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
