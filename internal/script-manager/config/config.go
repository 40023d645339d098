package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultServerAddr        = ":8080"
	DefaultKafkaBrokers      = "localhost:9092"
	DefaultScriptEventsTopic = "script_lifecycle_events"
	DefaultVMStatusTopic     = "vm_status_events"
	DefaultVMStatusGroupID   = "script-manager-vm-status-group"
	DefaultAgentGatewayAddr  = "localhost:9443"
	DefaultScriptsBasePath   = "./data/scripts"
)

// Config is the runtime configuration of the script manager.
type Config struct {
	ServerAddr string

	DBType string
	DBDSN  string

	KafkaBrokers      []string
	ScriptEventsTopic string
	VMStatusTopic     string
	VMStatusGroupID   string

	AgentGatewayAddr string

	ScriptsBasePath string

	CacheEnabled bool
	CacheTTL     time.Duration
	CacheMaxSize int

	ExecutionTimeout time.Duration
	PollInterval     time.Duration
}

// LibraryDir is the writable directory for user-authored scripts.
func (c *Config) LibraryDir() string { return c.ScriptsBasePath + "/library" }

// TemplatesDir is the read-only directory of pre-seeded templates.
func (c *Config) TemplatesDir() string { return c.ScriptsBasePath + "/templates" }

// Load reads configuration from the environment and, if configFile is set,
// from that file. Environment values win over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		}
	}

	cfg := &Config{
		ServerAddr:        v.GetString("SERVER_ADDR"),
		DBType:            v.GetString("DB_TYPE"),
		DBDSN:             v.GetString("DB_DSN"),
		KafkaBrokers:      splitList(v.GetString("KAFKA_BROKERS")),
		ScriptEventsTopic: v.GetString("SCRIPT_EVENTS_TOPIC"),
		VMStatusTopic:     v.GetString("VM_STATUS_TOPIC"),
		VMStatusGroupID:   v.GetString("VM_STATUS_GROUP_ID"),
		AgentGatewayAddr:  v.GetString("AGENT_GATEWAY_ADDR"),
		ScriptsBasePath:   strings.TrimRight(v.GetString("SCRIPTS_BASE_PATH"), "/"),
		CacheEnabled:      v.GetBool("SCRIPT_CACHE_ENABLED"),
		CacheTTL:          time.Duration(v.GetInt("SCRIPT_CACHE_TTL_MINUTES")) * time.Minute,
		CacheMaxSize:      v.GetInt("SCRIPT_CACHE_MAX_SIZE"),
		ExecutionTimeout:  time.Duration(v.GetInt("SCRIPT_EXECUTION_TIMEOUT_SECONDS")) * time.Second,
		PollInterval:      time.Duration(v.GetInt("SCRIPT_POLL_INTERVAL_SECONDS")) * time.Second,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDR", DefaultServerAddr)
	v.SetDefault("DB_TYPE", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("KAFKA_BROKERS", DefaultKafkaBrokers)
	v.SetDefault("SCRIPT_EVENTS_TOPIC", DefaultScriptEventsTopic)
	v.SetDefault("VM_STATUS_TOPIC", DefaultVMStatusTopic)
	v.SetDefault("VM_STATUS_GROUP_ID", DefaultVMStatusGroupID)
	v.SetDefault("AGENT_GATEWAY_ADDR", DefaultAgentGatewayAddr)
	v.SetDefault("SCRIPTS_BASE_PATH", DefaultScriptsBasePath)
	v.SetDefault("SCRIPT_CACHE_ENABLED", true)
	v.SetDefault("SCRIPT_CACHE_TTL_MINUTES", 60)
	v.SetDefault("SCRIPT_CACHE_MAX_SIZE", 100)
	v.SetDefault("SCRIPT_EXECUTION_TIMEOUT_SECONDS", 600)
	v.SetDefault("SCRIPT_POLL_INTERVAL_SECONDS", 60)
}

func (c *Config) validate() error {
	if c.ScriptsBasePath == "" {
		return errors.New("SCRIPTS_BASE_PATH must not be empty")
	}
	if c.CacheMaxSize <= 0 {
		return fmt.Errorf("SCRIPT_CACHE_MAX_SIZE must be positive, got %d", c.CacheMaxSize)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("SCRIPT_CACHE_TTL_MINUTES must be positive, got %s", c.CacheTTL)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("SCRIPT_EXECUTION_TIMEOUT_SECONDS must be positive, got %s", c.ExecutionTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("SCRIPT_POLL_INTERVAL_SECONDS must be positive, got %s", c.PollInterval)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
