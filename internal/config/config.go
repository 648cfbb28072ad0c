// Package config loads process configuration from flags, environment
// variables, and an optional config file, in that precedence order.
// Grounded on eve's cli/root.go flag/env/file/defaults layering, adapted
// from a Cobra command's package-level init() into a constructor a
// caller drives explicitly, since this module exposes config loading as
// a library rather than owning the process's root command itself.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every option spec §6 names.
type Config struct {
	Port            int      `mapstructure:"port"`
	ReplicationPort int      `mapstructure:"replication_port"`
	DataDir         string   `mapstructure:"data_dir"`
	NodeID          string   `mapstructure:"node_id"`
	Peers           []string `mapstructure:"peers"`
	KeyFile         string   `mapstructure:"keyfile"`
	QueryTimeoutMS  int      `mapstructure:"query_timeout_ms"`
	TxnTimeoutMS    int      `mapstructure:"txn_timeout_ms"`
	CursorBatchSize int      `mapstructure:"cursor_batch_size"`
	MaxBodyBytes    int64    `mapstructure:"max_body_bytes"`
	FsyncOnCommit   bool     `mapstructure:"fsync_on_commit"`
}

func (c *Config) QueryTimeout() time.Duration { return time.Duration(c.QueryTimeoutMS) * time.Millisecond }
func (c *Config) TxnTimeout() time.Duration   { return time.Duration(c.TxnTimeoutMS) * time.Millisecond }

// New returns a Viper instance seeded with every option's default value,
// ready for BindFlags and Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 6745)
	v.SetDefault("replication_port", 6746)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("node_id", "")
	v.SetDefault("peers", []string{})
	v.SetDefault("keyfile", "")
	v.SetDefault("query_timeout_ms", 30000)
	v.SetDefault("txn_timeout_ms", 60000)
	v.SetDefault("cursor_batch_size", 1000)
	v.SetDefault("max_body_bytes", 10*1024*1024)
	v.SetDefault("fsync_on_commit", true)
	return v
}

// BindFlags registers every configurable option as a pflag on fs and binds
// it into v, so a caller's Cobra command gets flag > env > file > default
// precedence for free. fs is typically cmd.PersistentFlags().
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("port", 6745, "client-facing server port")
	fs.Int("replication-port", 6746, "peer replication server port")
	fs.String("data-dir", "./data", "directory holding the bbolt data file and keyfile")
	fs.String("node-id", "", "this node's replication identity (generated if empty)")
	fs.StringSlice("peers", nil, "addresses of peer nodes to replicate with")
	fs.String("keyfile", "", "path to the shared HMAC key file for peer authentication")
	fs.Int("query-timeout-ms", 30000, "SDBQL query execution timeout in milliseconds")
	fs.Int("txn-timeout-ms", 60000, "transaction deadline in milliseconds")
	fs.Int("cursor-batch-size", 1000, "documents returned per query cursor batch")
	fs.Int64("max-body-bytes", 10*1024*1024, "maximum accepted request body size in bytes")
	fs.Bool("fsync-on-commit", true, "fsync every commit for durability (never disable in production)")

	_ = v.BindPFlag("port", fs.Lookup("port"))
	_ = v.BindPFlag("replication_port", fs.Lookup("replication-port"))
	_ = v.BindPFlag("data_dir", fs.Lookup("data-dir"))
	_ = v.BindPFlag("node_id", fs.Lookup("node-id"))
	_ = v.BindPFlag("peers", fs.Lookup("peers"))
	_ = v.BindPFlag("keyfile", fs.Lookup("keyfile"))
	_ = v.BindPFlag("query_timeout_ms", fs.Lookup("query-timeout-ms"))
	_ = v.BindPFlag("txn_timeout_ms", fs.Lookup("txn-timeout-ms"))
	_ = v.BindPFlag("cursor_batch_size", fs.Lookup("cursor-batch-size"))
	_ = v.BindPFlag("max_body_bytes", fs.Lookup("max-body-bytes"))
	_ = v.BindPFlag("fsync_on_commit", fs.Lookup("fsync-on-commit"))
}

// Load reads configuration from (in ascending precedence) defaults, an
// optional file at cfgFile, environment variables prefixed SOLIDB_, and
// whatever flags BindFlags already bound into v. A missing cfgFile is not
// an error; a malformed one is.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = New()
	}
	v.SetEnvPrefix("solidb")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ReplicationPort <= 0 || c.ReplicationPort > 65535 {
		return fmt.Errorf("config: replication_port %d out of range", c.ReplicationPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.CursorBatchSize <= 0 {
		return fmt.Errorf("config: cursor_batch_size must be positive")
	}
	return nil
}
