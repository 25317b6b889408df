package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

type WorkflowDefinitionRepository struct {
	db      *sql.DB
	dialect Dialect
}

const definitionColumns = ` id, owner_id, name, description, status, trigger_json, steps_json, settings_json,
		total_entered, currently_active, completed, exited, failed, goals_reached, emails_sent, revenue,
		created, updated `

func NewWorkflowDefinitionRepository(db *sql.DB, dialect Dialect) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db, dialect: dialect}
}

// Save inserts a new workflow definition or updates an existing one by id.
// Stats are owned by IncrementStats and never overwritten here.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, def *domain.WorkflowDefinition) error {
	triggerJSON, err := json.Marshal(def.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	settingsJSON, err := json.Marshal(def.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	cols := `id, owner_id, name, description, status, trigger_type, trigger_json, steps_json, settings_json, created, updated`
	values := `(` + strings.Join(r.dialect.placeholders(1, 11), ", ") + `)`
	var query string
	switch r.dialect {
	case config.DATABASE_TYPE_POSTGRES, config.DATABASE_TYPE_SQLLITE:
		query = `INSERT INTO workflow_definitions (` + cols + `) VALUES ` + values + `
		ON CONFLICT (id)
		DO UPDATE SET owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			trigger_type = EXCLUDED.trigger_type,
			trigger_json = EXCLUDED.trigger_json,
			steps_json = EXCLUDED.steps_json,
			settings_json = EXCLUDED.settings_json,
			updated = EXCLUDED.updated`
	case config.DATABASE_TYPE_MYSQL:
		query = `INSERT INTO workflow_definitions (` + cols + `) VALUES ` + values + `
		ON DUPLICATE KEY UPDATE owner_id = VALUES(owner_id),
			name = VALUES(name),
			description = VALUES(description),
			status = VALUES(status),
			trigger_type = VALUES(trigger_type),
			trigger_json = VALUES(trigger_json),
			steps_json = VALUES(steps_json),
			settings_json = VALUES(settings_json),
			updated = VALUES(updated)`
	default:
		return fmt.Errorf("unknown database type %q", r.dialect)
	}

	_, err = r.db.ExecContext(ctx, query,
		def.ID, def.OwnerID, def.Name, def.Description, string(def.Status), def.Trigger.Type,
		string(triggerJSON), string(stepsJSON), string(settingsJSON),
		r.dialect.formatDate(def.Created), r.dialect.formatDate(def.Updated))
	return err
}

func (r *WorkflowDefinitionRepository) FindByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = ` + r.dialect.placeholder(1)
	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "workflow definition "+id)
	}
	return def, nil
}

// FindStatus is the cheap status lookup the runner repeats between steps.
func (r *WorkflowDefinitionRepository) FindStatus(ctx context.Context, id string) (domain.DefinitionStatus, error) {
	var status string
	query := `SELECT status FROM workflow_definitions WHERE id = ` + r.dialect.placeholder(1)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&status); err != nil {
		return "", notFound(err, "workflow definition "+id)
	}
	return domain.DefinitionStatus(status), nil
}

// FindActiveByTriggerType returns active definitions listening for the event type.
func (r *WorkflowDefinitionRepository) FindActiveByTriggerType(ctx context.Context, triggerType string) ([]*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions
		WHERE status = 'active' AND trigger_type = ` + r.dialect.placeholder(1) + `
		ORDER BY created ASC`
	return r.queryDefinitions(ctx, query, triggerType)
}

// FindAll returns all workflow definitions.
func (r *WorkflowDefinitionRepository) FindAll(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions ORDER BY name`
	return r.queryDefinitions(ctx, query)
}

func (r *WorkflowDefinitionRepository) UpdateStatus(ctx context.Context, id string, status domain.DefinitionStatus, updated time.Time) error {
	query := `UPDATE workflow_definitions SET status = ` + r.dialect.placeholder(1) + `, updated = ` + r.dialect.placeholder(2) + `
		WHERE id = ` + r.dialect.placeholder(3)
	res, err := r.db.ExecContext(ctx, query, string(status), r.dialect.formatDate(updated), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementStats adds the delta to the counters in a single statement so
// concurrent workers never lose updates.
func (r *WorkflowDefinitionRepository) IncrementStats(ctx context.Context, id string, delta domain.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	p := r.dialect.placeholders(1, 9)
	query := `UPDATE workflow_definitions SET
		total_entered = total_entered + ` + p[0] + `,
		currently_active = currently_active + ` + p[1] + `,
		completed = completed + ` + p[2] + `,
		exited = exited + ` + p[3] + `,
		failed = failed + ` + p[4] + `,
		goals_reached = goals_reached + ` + p[5] + `,
		emails_sent = emails_sent + ` + p[6] + `,
		revenue = revenue + ` + p[7] + `
		WHERE id = ` + p[8]
	_, err := r.db.ExecContext(ctx, query,
		delta.Entered, delta.Active, delta.Completed, delta.Exited, delta.Failed,
		delta.GoalsReached, delta.EmailsSent, delta.Revenue, id)
	return err
}

func (r *WorkflowDefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*domain.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var status, triggerJSON, stepsJSON, settingsJSON string
	err := row.Scan(
		&def.ID,
		&def.OwnerID,
		&def.Name,
		&def.Description,
		&status,
		&triggerJSON,
		&stepsJSON,
		&settingsJSON,
		&def.Stats.TotalEntered,
		&def.Stats.CurrentlyActive,
		&def.Stats.Completed,
		&def.Stats.Exited,
		&def.Stats.Failed,
		&def.Stats.GoalsReached,
		&def.Stats.EmailsSent,
		&def.Stats.Revenue,
		&def.Created,
		&def.Updated,
	)
	if err != nil {
		return nil, err
	}
	def.Status = domain.DefinitionStatus(status)
	if err := json.Unmarshal([]byte(triggerJSON), &def.Trigger); err != nil {
		return nil, fmt.Errorf("definition %s: decode trigger: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("definition %s: decode steps: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &def.Settings); err != nil {
		return nil, fmt.Errorf("definition %s: decode settings: %w", def.ID, err)
	}
	def.Created = def.Created.UTC()
	def.Updated = def.Updated.UTC()
	return &def, nil
}
