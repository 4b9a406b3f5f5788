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

package storage

import "context"

// dialectSchema returns the CREATE TABLE statements for cfg's dialect.
// Column types are kept deliberately simple (TEXT/BLOB/INTEGER) so the
// same logical schema works unmodified across sqlite/postgres/mysql.
func dialectSchema(dialect string) []string {
	switch dialect {
	case "postgres":
		return []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				workflow_id TEXT NOT NULL,
				step_id BIGINT NOT NULL,
				phase TEXT NOT NULL,
				state BYTEA NOT NULL,
				captured_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (workflow_id, step_id)
			)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		}
	case "mysql":
		return []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				workflow_id VARCHAR(128) NOT NULL,
				step_id BIGINT NOT NULL,
				phase VARCHAR(64) NOT NULL,
				state LONGBLOB NOT NULL,
				captured_at DATETIME NOT NULL,
				PRIMARY KEY (workflow_id, step_id)
			)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
				value LONGBLOB NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	default: // sqlite
		return []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				workflow_id TEXT NOT NULL,
				step_id INTEGER NOT NULL,
				phase TEXT NOT NULL,
				state BLOB NOT NULL,
				captured_at DATETIME NOT NULL,
				PRIMARY KEY (workflow_id, step_id)
			)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	}
}

// Migrate creates the schema if absent.
func (p *Pool) Migrate(ctx context.Context, dialect string) error {
	for _, stmt := range dialectSchema(dialect) {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
