// Package testutil provides a disposable Postgres instance for repository
// integration tests.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MigrationSQL mirrors migrations/0001_approval_engine.sql.
const MigrationSQL = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TYPE workflow_status AS ENUM ('pending', 'completed', 'rejected', 'cancelled', 'failed');
CREATE TYPE workflow_action_type AS ENUM ('approve', 'reject', 'delegate', 'escalate', 'comment');
CREATE TYPE rule_approval_type AS ENUM ('single', 'quorum', 'majority', 'unanimous');

CREATE TABLE approval_rules (
	id                     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	rule_code              VARCHAR(64) NOT NULL UNIQUE,
	document_type          VARCHAR(64) NOT NULL,
	floor_limit            BIGINT NOT NULL DEFAULT 0,
	ceiling_limit          BIGINT,
	approval_type          rule_approval_type NOT NULL,
	required_approvers     INTEGER NOT NULL DEFAULT 1,
	eligible_approvers     INTEGER NOT NULL DEFAULT 1,
	eligible_actor_ids     TEXT[],
	designated_actor_id    TEXT,
	timeout_days           INTEGER NOT NULL DEFAULT 3,
	escalation_rule_id     UUID REFERENCES approval_rules(id),
	auto_reject_on_timeout BOOLEAN NOT NULL DEFAULT FALSE,
	site_id                TEXT,
	is_active              BOOLEAN NOT NULL DEFAULT TRUE,
	effective_from         TIMESTAMPTZ,
	effective_to           TIMESTAMPTZ,
	budget_type            TEXT,
	category               TEXT,
	is_budgeted            BOOLEAN,
	urgency                TEXT,
	creator_id             TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX idx_approval_rules_lookup
	ON approval_rules (document_type, is_active, floor_limit);

CREATE TABLE workflow_instances (
	id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	code                VARCHAR(64) NOT NULL UNIQUE,
	status              workflow_status NOT NULL DEFAULT 'pending',
	document_type       VARCHAR(64) NOT NULL,
	document_id         BIGINT NOT NULL,
	amount              BIGINT NOT NULL,
	path_rule_ids       TEXT[] NOT NULL,
	total_steps         INTEGER NOT NULL,
	steps_completed     INTEGER NOT NULL DEFAULT 0,
	current_rule_id     UUID NOT NULL REFERENCES approval_rules(id),
	approvals_required  INTEGER NOT NULL,
	approvals_received  INTEGER NOT NULL DEFAULT 0,
	rejections_received INTEGER NOT NULL DEFAULT 0,
	started_at          TIMESTAMPTZ NOT NULL,
	due_at              TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ,
	is_overdue          BOOLEAN NOT NULL DEFAULT FALSE,
	is_escalated        BOOLEAN NOT NULL DEFAULT FALSE,
	escalated_at        TIMESTAMPTZ,
	escalation_reason   TEXT,
	notes               TEXT,
	metadata            JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),

	CONSTRAINT chk_counters CHECK (
		approvals_received >= 0
		AND approvals_received <= approvals_required
		AND steps_completed <= total_steps
	)
);

CREATE UNIQUE INDEX uq_workflow_instances_active_document
	ON workflow_instances (document_type, document_id)
	WHERE status = 'pending';

CREATE INDEX idx_workflow_instances_overdue
	ON workflow_instances (due_at)
	WHERE status = 'pending';

CREATE TABLE workflow_actions (
	id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	instance_id       UUID NOT NULL REFERENCES workflow_instances(id),
	rule_id           UUID NOT NULL REFERENCES approval_rules(id),
	actor_id          TEXT NOT NULL,
	on_behalf_of      TEXT,
	action_type       workflow_action_type NOT NULL,
	step_name         TEXT NOT NULL,
	step_sequence     INTEGER NOT NULL,
	comments          TEXT,
	is_automatic      BOOLEAN NOT NULL DEFAULT FALSE,
	is_overdue_action BOOLEAN NOT NULL DEFAULT FALSE,
	action_taken_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX uq_workflow_actions_decisive
	ON workflow_actions (instance_id, step_sequence, COALESCE(on_behalf_of, actor_id))
	WHERE action_type IN ('approve', 'reject');

CREATE INDEX idx_workflow_actions_instance
	ON workflow_actions (instance_id, action_taken_at DESC);

CREATE TABLE workflow_code_counters (
	document_type VARCHAR(64) NOT NULL,
	period        VARCHAR(6) NOT NULL,
	last_seq      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (document_type, period)
);
`

// SetupTestDatabase starts a Postgres container and applies the schema. Tests
// are skipped when Docker is unavailable or APPROVAL_SKIP_DB_TESTS is set.
func SetupTestDatabase(t *testing.T, ctx context.Context) (testcontainers.Container, *pgxpool.Pool) {
	t.Helper()

	if os.Getenv("APPROVAL_SKIP_DB_TESTS") != "" {
		t.Skip("database tests disabled via APPROVAL_SKIP_DB_TESTS")
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("approval_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container (is Docker running?): %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, MigrationSQL)
	require.NoError(t, err)

	return pgContainer, pool
}

// CleanupTestDatabase closes the pool and terminates the container.
func CleanupTestDatabase(t *testing.T, ctx context.Context, container testcontainers.Container, pool *pgxpool.Pool) {
	t.Helper()

	if pool != nil {
		pool.Close()
	}
	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}
