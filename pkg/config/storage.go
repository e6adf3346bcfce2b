package config

import (
	"fmt"
	"strings"
)

const (
	// DefaultUploadConcurrency bounds parallel object uploads.
	DefaultUploadConcurrency = 8

	// DefaultIndexPath is the default SQLite index database.
	DefaultIndexPath = "./results/index.db"

	// DatabaseDriverSQLite selects the embedded SQLite driver.
	DatabaseDriverSQLite = "sqlite"

	// DatabaseDriverPostgres selects PostgreSQL.
	DatabaseDriverPostgres = "postgres"
)

// UploadConfig configures shipping the results directory after a run.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3 settings for result uploads.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	Concurrency     int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// Enabled reports whether S3 upload is configured and switched on.
func (u *UploadConfig) Enabled() bool {
	return u.S3 != nil && u.S3.Enabled
}

// Validate checks the upload settings.
func (u *UploadConfig) Validate() error {
	if !u.Enabled() {
		return nil
	}

	if u.S3.Bucket == "" {
		return fmt.Errorf("s3: bucket is required")
	}

	if (u.S3.AccessKeyID == "") != (u.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3: access_key_id and secret_access_key must be set together")
	}

	if strings.HasPrefix(u.S3.Prefix, "/") {
		return fmt.Errorf("s3: prefix must not start with '/'")
	}

	return nil
}

// IndexConfig configures the run index database.
type IndexConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// Validate checks the index settings.
func (i *IndexConfig) Validate() error {
	if !i.Enabled {
		return nil
	}

	return i.Database.Validate()
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// Validate checks the driver specific settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case DatabaseDriverSQLite:
		if d.SQLite.Path == "" {
			return fmt.Errorf("database: sqlite.path is required")
		}
	case DatabaseDriverPostgres:
		if d.Postgres.Host == "" {
			return fmt.Errorf("database: postgres.host is required")
		}

		if d.Postgres.Database == "" {
			return fmt.Errorf("database: postgres.database is required")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", d.Driver)
	}

	return nil
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	port := p.Port
	if port == 0 {
		port = 5432
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, port, p.User, p.Password, p.Database, sslMode)
}
