package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ledgerline/be-approval-engine/internal/database"
	apperrors "github.com/ledgerline/be-approval-engine/internal/errors"
)

// WorkflowInstanceRepository manages workflow instance rows and the atomic
// action-recording critical section. Instances are never deleted; they only
// transition to a terminal status.
type WorkflowInstanceRepository struct {
	db *database.DB
}

// NewWorkflowInstanceRepository creates a new WorkflowInstanceRepository.
func NewWorkflowInstanceRepository(db *database.DB) *WorkflowInstanceRepository {
	return &WorkflowInstanceRepository{db: db}
}

const instanceColumns = `
	id, code, status, document_type, document_id, amount,
	path_rule_ids, total_steps, steps_completed, current_rule_id,
	approvals_required, approvals_received, rejections_received,
	started_at, due_at, completed_at,
	is_overdue, is_escalated, escalated_at, escalation_reason,
	notes, metadata, created_at, updated_at`

// DecideFunc inspects and mutates a locked workflow instance, returning the
// ledger action to append (nil for state-only changes). Returning an error
// rolls back every change.
type DecideFunc func(inst *WorkflowInstance) (*WorkflowAction, error)

// Create inserts a new instance, serialized per (document_type, document_id).
// An advisory transaction lock on the document key makes the
// check-then-insert race-free; a partial unique index on pending instances is
// the backstop. Returns ErrCodeDuplicateWorkflow when a non-terminal instance
// already exists for the document.
func (r *WorkflowInstanceRepository) Create(ctx context.Context, inst *WorkflowInstance) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
		if _, err := tx.Exec(ctx, lockQuery, documentKey(inst.DocumentType, inst.DocumentID)); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to acquire document lock")
		}

		var exists bool
		existsQuery := `
			SELECT EXISTS (
				SELECT 1 FROM workflow_instances
				WHERE document_type = $1 AND document_id = $2
				  AND status NOT IN ('completed', 'rejected', 'cancelled', 'failed')
			)
		`
		if err := tx.QueryRow(ctx, existsQuery, inst.DocumentType, inst.DocumentID).Scan(&exists); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check for active workflow")
		}
		if exists {
			return apperrors.Newf(apperrors.ErrCodeDuplicateWorkflow,
				"an active workflow already exists for %s/%d", inst.DocumentType, inst.DocumentID)
		}

		metadataJSON, err := marshalMetadata(inst.Metadata)
		if err != nil {
			return err
		}

		insertQuery := `
			INSERT INTO workflow_instances
			    (code, status, document_type, document_id, amount,
			     path_rule_ids, total_steps, steps_completed, current_rule_id,
			     approvals_required, approvals_received, rejections_received,
			     started_at, due_at, notes, metadata)
			VALUES ($1, $2::workflow_status, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, $12,
			        $13, $14, $15, $16)
			RETURNING id, created_at, updated_at
		`

		err = tx.QueryRow(ctx, insertQuery,
			inst.Code,
			inst.Status,
			inst.DocumentType,
			inst.DocumentID,
			inst.Amount,
			inst.PathRuleIDs,
			inst.TotalSteps,
			inst.StepsCompleted,
			inst.CurrentRuleID,
			inst.ApprovalsRequired,
			inst.ApprovalsReceived,
			inst.RejectionsReceived,
			inst.StartedAt,
			inst.DueAt,
			inst.Notes,
			metadataJSON,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.Newf(apperrors.ErrCodeDuplicateWorkflow,
					"an active workflow already exists for %s/%d", inst.DocumentType, inst.DocumentID)
			}
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create workflow instance")
		}
		return nil
	})
}

// NextCodeSequence allocates the next workflow code sequence for a document
// type within a period (yyyymm). Safe under concurrency via upsert.
func (r *WorkflowInstanceRepository) NextCodeSequence(ctx context.Context, documentType, period string) (int64, error) {
	query := `
		INSERT INTO workflow_code_counters (document_type, period, last_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (document_type, period)
		DO UPDATE SET last_seq = workflow_code_counters.last_seq + 1
		RETURNING last_seq
	`

	var seq int64
	if err := r.db.QueryRow(ctx, query, documentType, period).Scan(&seq); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to allocate workflow code")
	}
	return seq, nil
}

// GetByID retrieves an instance by primary key.
func (r *WorkflowInstanceRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// GetByCode retrieves an instance by its human-readable code.
func (r *WorkflowInstanceRepository) GetByCode(ctx context.Context, code string) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM workflow_instances WHERE code = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, code))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_instance", code)
	}
	return inst, err
}

// GetActiveByDocument returns the non-terminal instance for a document, or
// nil when none exists. At most one can exist at any time.
func (r *WorkflowInstanceRepository) GetActiveByDocument(ctx context.Context, documentType string, documentID int64) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE document_type = $1 AND document_id = $2
		  AND status NOT IN ('completed', 'rejected', 'cancelled', 'failed')
		ORDER BY started_at DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, documentType, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// FindOverdue returns pending instances whose current step deadline passed
// before asOf. The sweep processes them one by one through RecordAction, so a
// stale read here is harmless.
func (r *WorkflowInstanceRepository) FindOverdue(ctx context.Context, asOf time.Time, limit int) ([]*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'pending'
		  AND due_at < $1
		ORDER BY due_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query overdue workflows")
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan workflow instance")
		}
		out = append(out, inst)
	}
	return out, nil
}

// FindPending returns pending instances ordered by deadline, soonest first.
// An empty documentType matches all types.
func (r *WorkflowInstanceRepository) FindPending(ctx context.Context, documentType string, limit int) ([]*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'pending'
		  AND ($1 = '' OR document_type = $1)
		ORDER BY due_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, documentType, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query pending workflows")
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan workflow instance")
		}
		out = append(out, inst)
	}
	return out, nil
}

// RecordAction executes decide against the instance row locked FOR UPDATE,
// appends the returned ledger action and persists the mutated instance in one
// transaction. The duplicate-vote check runs in the same transaction and is
// keyed on the voting seat, so two concurrent decisive votes counting against
// one seat cannot both commit, whether cast directly or under a delegation.
func (r *WorkflowInstanceRepository) RecordAction(ctx context.Context, instanceID string, decide DecideFunc) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `SELECT` + instanceColumns + `
			FROM workflow_instances
			WHERE id = $1
			FOR UPDATE
		`

		inst, err := r.scanInstance(tx.QueryRow(ctx, lockQuery, instanceID))
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("workflow_instance", instanceID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock workflow instance")
		}

		action, err := decide(inst)
		if err != nil {
			return err
		}

		if action != nil {
			if isDecisive(action.ActionType) {
				var dup bool
				dupQuery := `
					SELECT EXISTS (
						SELECT 1 FROM workflow_actions
						WHERE instance_id = $1 AND step_sequence = $2
						  AND COALESCE(on_behalf_of, actor_id) = $3
						  AND action_type IN ('approve', 'reject')
					)
				`
				if err := tx.QueryRow(ctx, dupQuery, instanceID, action.StepSequence, votingSeat(action)).Scan(&dup); err != nil {
					return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check for duplicate action")
				}
				if dup {
					return apperrors.Newf(apperrors.ErrCodeDuplicateAction,
						"seat %s already voted on step %d", votingSeat(action), action.StepSequence)
				}
			}

			if err := insertAction(ctx, tx, action); err != nil {
				return err
			}
		}

		return updateInstance(ctx, tx, inst)
	})
}

// ListActions returns the action ledger for an instance, newest first.
func (r *WorkflowInstanceRepository) ListActions(ctx context.Context, instanceID string) ([]*WorkflowAction, error) {
	query := `
		SELECT id, instance_id, rule_id, actor_id, on_behalf_of,
		       action_type, step_name, step_sequence,
		       comments, is_automatic, is_overdue_action, action_taken_at
		FROM workflow_actions
		WHERE instance_id = $1
		ORDER BY action_taken_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query workflow actions")
	}
	defer rows.Close()

	var actions []*WorkflowAction
	for rows.Next() {
		a := &WorkflowAction{}
		err := rows.Scan(
			&a.ID,
			&a.InstanceID,
			&a.RuleID,
			&a.ActorID,
			&a.OnBehalfOf,
			&a.ActionType,
			&a.StepName,
			&a.StepSequence,
			&a.Comments,
			&a.IsAutomatic,
			&a.IsOverdueAction,
			&a.ActionTakenAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan workflow action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ── transaction helpers ───────────────────────────────────────────────────────

func insertAction(ctx context.Context, tx pgx.Tx, action *WorkflowAction) error {
	query := `
		INSERT INTO workflow_actions
		    (instance_id, rule_id, actor_id, on_behalf_of,
		     action_type, step_name, step_sequence,
		     comments, is_automatic, is_overdue_action, action_taken_at)
		VALUES ($1, $2, $3, $4,
		        $5::workflow_action_type, $6, $7,
		        $8, $9, $10, $11)
		RETURNING id
	`

	err := tx.QueryRow(ctx, query,
		action.InstanceID,
		action.RuleID,
		action.ActorID,
		action.OnBehalfOf,
		action.ActionType,
		action.StepName,
		action.StepSequence,
		action.Comments,
		action.IsAutomatic,
		action.IsOverdueAction,
		action.ActionTakenAt,
	).Scan(&action.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.ErrCodeDuplicateAction,
				"seat %s already voted on step %d", votingSeat(action), action.StepSequence)
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append workflow action")
	}
	return nil
}

func updateInstance(ctx context.Context, tx pgx.Tx, inst *WorkflowInstance) error {
	metadataJSON, err := marshalMetadata(inst.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET status              = $2::workflow_status,
		    steps_completed     = $3,
		    current_rule_id     = $4,
		    approvals_required  = $5,
		    approvals_received  = $6,
		    rejections_received = $7,
		    due_at              = $8,
		    completed_at        = $9,
		    is_overdue          = $10,
		    is_escalated        = $11,
		    escalated_at        = $12,
		    escalation_reason   = $13,
		    notes               = $14,
		    metadata            = $15,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	return tx.QueryRow(ctx, query,
		inst.ID,
		inst.Status,
		inst.StepsCompleted,
		inst.CurrentRuleID,
		inst.ApprovalsRequired,
		inst.ApprovalsReceived,
		inst.RejectionsReceived,
		inst.DueAt,
		inst.CompletedAt,
		inst.IsOverdue,
		inst.IsEscalated,
		inst.EscalatedAt,
		inst.EscalationReason,
		inst.Notes,
		metadataJSON,
	).Scan(&inst.UpdatedAt)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowInstanceRepository) scanInstance(row instanceScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var metadataJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.Code,
		&inst.Status,
		&inst.DocumentType,
		&inst.DocumentID,
		&inst.Amount,
		&inst.PathRuleIDs,
		&inst.TotalSteps,
		&inst.StepsCompleted,
		&inst.CurrentRuleID,
		&inst.ApprovalsRequired,
		&inst.ApprovalsReceived,
		&inst.RejectionsReceived,
		&inst.StartedAt,
		&inst.DueAt,
		&inst.CompletedAt,
		&inst.IsOverdue,
		&inst.IsEscalated,
		&inst.EscalatedAt,
		&inst.EscalationReason,
		&inst.Notes,
		&metadataJSON,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &inst.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal workflow metadata")
		}
	}
	return inst, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal workflow metadata")
	}
	return b, nil
}

func isDecisive(actionType string) bool {
	return actionType == ActionApprove || actionType == ActionReject
}

// votingSeat is the eligible seat a decisive vote counts against: the
// delegator when the vote is cast under a delegation, the actor otherwise.
func votingSeat(action *WorkflowAction) string {
	if action.OnBehalfOf != nil {
		return *action.OnBehalfOf
	}
	return action.ActorID
}

func documentKey(documentType string, documentID int64) string {
	return documentType + ":" + strconv.FormatInt(documentID, 10)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
