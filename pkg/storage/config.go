// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage is the persistence adapter (§3 "Checkpoint", §6
// "Persistence adapter contract"): an append-only checkpoint log keyed by
// (workflow_id, step_id) and a small key-value store for registry/config
// state, backed by an embedded file database with write-ahead logging, a
// cache layer in front of KV/snapshot reads, and alternate SQL dialects
// selectable by config.
//
// Grounded on the teacher's pkg/config/dbpool.go (single-connection
// SQLite pool, WAL + busy_timeout pragmas, driver name normalization) and
// pkg/config/database.go (DSN/DriverName per dialect).
package storage

import "fmt"

// DatabaseConfig selects the backing SQL dialect and connection target.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "postgres", "mysql"
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty"`

	// CacheSize bounds the LRU cache fronting KV/snapshot reads (§5).
	CacheSize int `yaml:"cache_size,omitempty"`
}

// SetDefaults fills in the embedded-file-database defaults (§2 item 1).
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Database == "" {
		c.Database = "orchestrator.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.Driver == "postgres" && c.Port == 0 {
		c.Port = 5432
	}
	if c.Driver == "mysql" && c.Port == 0 {
		c.Port = 3306
	}
	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the configuration is complete enough to open a pool.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid driver %q (valid: sqlite, postgres, mysql)", c.Driver)
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Driver != "sqlite" && c.Driver != "sqlite3" && c.Host == "" {
		return fmt.Errorf("host is required for %s", c.Driver)
	}
	return nil
}

// Dialect returns the normalized SQL dialect name used for query building.
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}

// DriverName returns the name sql.Open expects.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// DSN returns the data source name for sql.Open.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		if c.Username != "" {
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", c.Username, c.Password, c.Host, c.Port, c.Database)
		}
		return fmt.Sprintf("tcp(%s:%d)/%s", c.Host, c.Port, c.Database)
	case "sqlite", "sqlite3":
		return c.Database
	default:
		return ""
	}
}
