// Package config loads server settings from defaults, an optional YAML
// file, an optional .env file and the environment, in that order.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverPebble   = "pebble"
)

type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Mongo  struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
		PebblePath string `yaml:"pebble_path"`
	} `yaml:"store"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Limits struct {
		SignalRate   float64 `yaml:"signal_rate"`
		SignalBurst  int     `yaml:"signal_burst"`
		MaxBodyBytes int64   `yaml:"max_body_bytes"`
	} `yaml:"limits"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() *Config {
	c := &Config{}
	c.Server.Addr = ":8080"
	c.Store.Driver = DriverMemory
	c.Store.Mongo.Database = "pairchat"
	c.Store.PebblePath = "pairchat-data"
	c.Limits.SignalRate = 20
	c.Limits.SignalBurst = 40
	c.Limits.MaxBodyBytes = 4 << 20
	c.Log.Level = "INFO"
	return c
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Annotatef(err, "parsing config %q", path)
		}
	}

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "loading .env")
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, "ADDR")
	set(&c.Auth.JWTSecret, "JWT_SECRET")
	set(&c.Store.Driver, "STORE_DRIVER")
	set(&c.Store.DSN, "DB_DSN")
	set(&c.Store.Mongo.URI, "MONGO_URI")
	set(&c.Store.Mongo.Database, "MONGO_DATABASE")
	set(&c.Store.PebblePath, "PEBBLE_PATH")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Log.Level, "LOG_LEVEL")

	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, origin)
			}
		}
	}
	if v := getenv("SIGNAL_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.NotValidf("SIGNAL_RATE %q", v)
		}
		c.Limits.SignalRate = rate
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.NotValidf("empty JWT secret")
	}
	if c.Server.Addr == "" {
		return errors.NotValidf("empty listen address")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.NotValidf("postgres store without DB_DSN")
		}
	case DriverMongo:
		if c.Store.Mongo.URI == "" {
			return errors.NotValidf("mongo store without MONGO_URI")
		}
	case DriverPebble:
		if c.Store.PebblePath == "" {
			return errors.NotValidf("pebble store without a path")
		}
	default:
		return errors.NotValidf("store driver %q", c.Store.Driver)
	}
	if c.Limits.SignalRate <= 0 || c.Limits.SignalBurst <= 0 || c.Limits.MaxBodyBytes <= 0 {
		return errors.NotValidf("non-positive limits")
	}
	return nil
}
