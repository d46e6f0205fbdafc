package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the permission schema migrations. Versions below 100
// belong to this package.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					workspace_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					can_create_tables BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete_tables BOOLEAN NOT NULL DEFAULT FALSE,
					can_create_views BOOLEAN NOT NULL DEFAULT FALSE,
					can_manage_workspace BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(workspace_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_roles_workspace_id ON roles(workspace_id);
			`,
		},
		{
			Version:     2,
			Description: "Create user_role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role_assignments (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					workspace_id BIGINT NOT NULL,
					assigned_by BIGINT,
					assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, role_id, workspace_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_workspace ON user_role_assignments(workspace_id);
				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_user ON user_role_assignments(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create scoped_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS scoped_grants (
					id BIGSERIAL PRIMARY KEY,
					workspace_id BIGINT NOT NULL,
					scope VARCHAR(16) NOT NULL CHECK (scope IN ('table', 'field', 'view', 'row')),
					table_id BIGINT NOT NULL,
					resource_id BIGINT NOT NULL,
					subject_type VARCHAR(8) NOT NULL CHECK (subject_type IN ('user', 'role')),
					subject_id BIGINT NOT NULL,
					permission_level VARCHAR(16) NOT NULL,
					is_hidden BOOLEAN NOT NULL DEFAULT FALSE,
					can_create BOOLEAN NOT NULL DEFAULT FALSE,
					can_update BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(scope, table_id, resource_id, subject_type, subject_id)
				);

				CREATE INDEX IF NOT EXISTS idx_scoped_grants_workspace ON scoped_grants(workspace_id);
				CREATE INDEX IF NOT EXISTS idx_scoped_grants_table ON scoped_grants(table_id);
				CREATE INDEX IF NOT EXISTS idx_scoped_grants_subject ON scoped_grants(subject_type, subject_id);
			`,
		},
		{
			Version:     4,
			Description: "Create conditional_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS conditional_grants (
					id BIGSERIAL PRIMARY KEY,
					workspace_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					table_id BIGINT NOT NULL,
					subject_type VARCHAR(8) NOT NULL CHECK (subject_type IN ('user', 'role')),
					subject_id BIGINT NOT NULL,
					condition_field_id BIGINT NOT NULL,
					condition_operator VARCHAR(32) NOT NULL,
					condition_value TEXT NOT NULL DEFAULT '',
					user_attribute_field VARCHAR(255) NOT NULL DEFAULT '',
					user_attribute_operator VARCHAR(32) NOT NULL DEFAULT '',
					user_attribute_value TEXT NOT NULL DEFAULT '',
					permission_level VARCHAR(16) NOT NULL,
					can_read BOOLEAN NOT NULL DEFAULT TRUE,
					can_update BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_conditional_grants_table ON conditional_grants(table_id) WHERE is_active;
				CREATE INDEX IF NOT EXISTS idx_conditional_grants_workspace ON conditional_grants(workspace_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations. With no sets given it runs
// GetMigrations; other packages pass their own sets alongside it.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger, sets ...[]Migration) error {
	if len(sets) == 0 {
		sets = [][]Migration{GetMigrations()}
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, set := range sets {
		for _, m := range set {
			if desc, dup := seen[m.Version]; dup {
				return fmt.Errorf("migration version %d registered twice (%q, %q)", m.Version, desc, m.Description)
			}
			seen[m.Version] = m.Description
			migrations = append(migrations, m)
		}
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gridguard_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO gridguard_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		log.Info("migration applied")
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM gridguard_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
