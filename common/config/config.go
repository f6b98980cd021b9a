package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	vlog "krypt.co/vatrpc/common/log"
	"krypt.co/vatrpc/common/twoparty"
)

const (
	ADDRESS_ENV         = "VATRPC_ADDRESS"
	LOG_SYSLOG_ENV      = "VATRPC_LOG_SYSLOG"
	TRAVERSAL_LIMIT_ENV = "VATRPC_TRAVERSAL_LIMIT"
	METRICS_ADDR_ENV    = "VATRPC_METRICS_ADDR"
)

type Config struct {
	Address        string        `yaml:"address"`
	LogLevel       string        `yaml:"log_level"`
	Syslog         bool          `yaml:"syslog"`
	TraversalLimit uint64        `yaml:"traversal_limit"` // bytes
	MaxMessageSize uint64        `yaml:"max_message_size"`
	AbortTimeout   time.Duration `yaml:"abort_timeout"`
	MetricsAddress string        `yaml:"metrics_address"`
}

func Default() Config {
	return Config{
		LogLevel:     "NOTICE",
		AbortTimeout: 100 * time.Millisecond,
	}
}

// Load reads an optional YAML file over the defaults and then applies
// VATRPC_* environment overrides. An empty path skips the file.
func Load(path string) (config Config, err error) {
	config = Default()
	if path != "" {
		var contents []byte
		contents, err = ioutil.ReadFile(path)
		if err != nil {
			return
		}
		err = yaml.Unmarshal(contents, &config)
		if err != nil {
			return
		}
	}
	err = config.applyEnv()
	return
}

func (c *Config) applyEnv() (err error) {
	if addr := os.Getenv(ADDRESS_ENV); addr != "" {
		c.Address = addr
	}
	if level := os.Getenv(vlog.LOG_LEVEL_ENV); level != "" {
		c.LogLevel = level
	}
	if env := os.Getenv(LOG_SYSLOG_ENV); env != "" {
		c.Syslog = env == "true"
	}
	if env := os.Getenv(TRAVERSAL_LIMIT_ENV); env != "" {
		c.TraversalLimit, err = strconv.ParseUint(env, 10, 64)
		if err != nil {
			return
		}
	}
	if env := os.Getenv(METRICS_ADDR_ENV); env != "" {
		c.MetricsAddress = env
	}
	return
}

// NetworkOptions carries the framing limits into a vat network.
func (c Config) NetworkOptions() *twoparty.Options {
	return &twoparty.Options{
		TraversalLimit: c.TraversalLimit,
		MaxMessageSize: c.MaxMessageSize,
		AbortTimeout:   c.AbortTimeout,
	}
}
