package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/models"
)

type EnrollmentRepository struct {
	db      *sql.DB
	dialect Dialect
}

const enrollmentColumns = ` id, definition_id, contact_id, status, current_step, next_action_at, entry_data,
		entry_number, attempts, last_error, exited_at, exit_reason, goal_reached, goal_reached_at, goal_value,
		claimed_by, claim_expires_at, created, modified `

func NewEnrollmentRepository(db *sql.DB, dialect Dialect) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, dialect: dialect}
}

// EnrollmentCommit is the unit persisted after a step: the new projection, the
// history entries it appended and any delivery logs it created.
type EnrollmentCommit struct {
	Enrollment   *domain.Enrollment
	History      []domain.HistoryEntry
	DeliveryLogs []*domain.DeliveryLog
	// Release clears the claim in the same statement.
	Release bool
}

// Create inserts a new enrollment. A concurrent duplicate for the same
// definition and contact fails with ErrActiveEnrollmentExists.
func (r *EnrollmentRepository) Create(ctx context.Context, e *domain.Enrollment) error {
	entryData, err := marshalMap(e.EntryData)
	if err != nil {
		return fmt.Errorf("marshal entry data: %w", err)
	}
	cols := `id, definition_id, contact_id, status, current_step, next_action_at, entry_data, entry_number,
		attempts, goal_reached, active_key, created, modified`
	query := `INSERT INTO enrollments (` + cols + `) VALUES (` + strings.Join(r.dialect.placeholders(1, 13), ", ") + `)`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.DefinitionID, e.ContactID, string(e.Status), e.CurrentStep, r.dialect.formatDateNull(e.NextActionAt),
		entryData, e.EntryNumber, e.Attempts, e.GoalReached, e.ActiveKey(),
		r.dialect.formatDate(e.Created), r.dialect.formatDate(e.Modified))
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			return ErrActiveEnrollmentExists
		}
		return err
	}
	return nil
}

func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = ` + r.dialect.placeholder(1)
	e, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "enrollment "+id)
	}
	return e, nil
}

// FindByDefinitionAndContact returns every enrollment of the contact in the
// definition, oldest first.
func (r *EnrollmentRepository) FindByDefinitionAndContact(ctx context.Context, definitionID, contactID string) ([]*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE definition_id = ` + r.dialect.placeholder(1) + ` AND contact_id = ` + r.dialect.placeholder(2) + `
		ORDER BY entry_number ASC`
	return r.queryEnrollments(ctx, query, definitionID, contactID)
}

// FindDue returns active, unclaimed enrollments whose next action is due.
func (r *EnrollmentRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
		WHERE status = 'active'
		  AND ` + r.dialect.dateCompare("next_action_at", "<=", r.dialect.placeholder(1)) + `
		  AND (claimed_by IS NULL OR ` + r.dialect.dateCompare("claim_expires_at", "<", r.dialect.placeholder(2)) + `)
		ORDER BY next_action_at ASC
		LIMIT ` + r.dialect.placeholder(3)
	ts := r.dialect.formatDate(now)
	return r.queryEnrollments(ctx, query, ts, ts, limit)
}

// Claim is a compare-and-swap on the claim marker: it succeeds only if the
// enrollment is still due and nobody holds a live claim.
func (r *EnrollmentRepository) Claim(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error) {
	ts := r.dialect.formatDate(now)
	query := `UPDATE enrollments
		SET claimed_by = ` + r.dialect.placeholder(1) + `, claim_expires_at = ` + r.dialect.placeholder(2) + `
		WHERE id = ` + r.dialect.placeholder(3) + `
		  AND status = 'active'
		  AND ` + r.dialect.dateCompare("next_action_at", "<=", r.dialect.placeholder(4)) + `
		  AND (claimed_by IS NULL OR ` + r.dialect.dateCompare("claim_expires_at", "<", r.dialect.placeholder(5)) + `)`
	result, err := r.db.ExecContext(ctx, query, token, r.dialect.formatDate(now.Add(lease)), id, ts, ts)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// ExtendClaim pushes the lease forward while the holder is still working.
func (r *EnrollmentRepository) ExtendClaim(ctx context.Context, id, token string, until time.Time) error {
	query := `UPDATE enrollments SET claim_expires_at = ` + r.dialect.placeholder(1) + `
		WHERE id = ` + r.dialect.placeholder(2) + ` AND claimed_by = ` + r.dialect.placeholder(3)
	result, err := r.db.ExecContext(ctx, query, r.dialect.formatDate(until), id, token)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Release drops the claim without touching anything else.
func (r *EnrollmentRepository) Release(ctx context.Context, id, token string) error {
	query := `UPDATE enrollments SET claimed_by = NULL, claim_expires_at = NULL
		WHERE id = ` + r.dialect.placeholder(1) + ` AND claimed_by = ` + r.dialect.placeholder(2)
	_, err := r.db.ExecContext(ctx, query, id, token)
	return err
}

// Commit persists one step's outcome atomically. It fails with ErrClaimLost
// when the claim token no longer owns the row.
func (r *EnrollmentRepository) Commit(ctx context.Context, token string, c EnrollmentCommit) error {
	e := c.Enrollment
	entryData, err := marshalMap(e.EntryData)
	if err != nil {
		return fmt.Errorf("marshal entry data: %w", err)
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		p := r.dialect.placeholders(1, 16)
		claimSQL := ``
		if c.Release {
			claimSQL = `, claimed_by = NULL, claim_expires_at = NULL`
		}
		query := `UPDATE enrollments SET
			status = ` + p[0] + `, current_step = ` + p[1] + `, next_action_at = ` + p[2] + `,
			entry_data = ` + p[3] + `, attempts = ` + p[4] + `, last_error = ` + p[5] + `,
			exited_at = ` + p[6] + `, exit_reason = ` + p[7] + `, goal_reached = ` + p[8] + `,
			goal_reached_at = ` + p[9] + `, goal_value = ` + p[10] + `, active_key = ` + p[11] + `,
			modified = ` + p[12] + claimSQL + `
			WHERE id = ` + p[13] + ` AND claimed_by = ` + p[14] + ` AND status <> ` + p[15]
		result, err := tx.ExecContext(ctx, query,
			string(e.Status), e.CurrentStep, r.dialect.formatDateNull(e.NextActionAt),
			entryData, e.Attempts, e.LastError,
			r.dialect.formatDateNull(e.ExitedAt), e.ExitReason, e.GoalReached,
			r.dialect.formatDateNull(e.GoalReachedAt), e.GoalValue, e.ActiveKey(),
			r.dialect.formatDate(e.Modified),
			e.ID, token, string(domain.EnrollmentExited))
		if err != nil {
			return fmt.Errorf("update enrollment %s: %w", e.ID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected != 1 {
			return ErrClaimLost
		}
		if err := r.appendHistory(ctx, tx, e.ID, c.History); err != nil {
			return err
		}
		for _, l := range c.DeliveryLogs {
			if err := insertDeliveryLog(ctx, tx, r.dialect, l); err != nil {
				return err
			}
		}
		if c.Release {
			e.ClaimedBy = sql.NullString{}
			e.ClaimExpiresAt = sql.NullTime{}
		}
		return nil
	})
}

// SetStatusForDefinition moves unclaimed enrollments of a definition between
// the active and paused states. Claimed ones are moved by their runner.
func (r *EnrollmentRepository) SetStatusForDefinition(ctx context.Context, definitionID string, from, to domain.EnrollmentStatus, now time.Time) (int64, error) {
	query := `UPDATE enrollments SET status = ` + r.dialect.placeholder(1) + `, modified = ` + r.dialect.placeholder(2) + `
		WHERE definition_id = ` + r.dialect.placeholder(3) + ` AND status = ` + r.dialect.placeholder(4) + `
		  AND (claimed_by IS NULL OR ` + r.dialect.dateCompare("claim_expires_at", "<", r.dialect.placeholder(5)) + `)`
	ts := r.dialect.formatDate(now)
	result, err := r.db.ExecContext(ctx, query, string(to), ts, definitionID, string(from), ts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExitAllForDefinition terminates every unclaimed active or paused enrollment.
func (r *EnrollmentRepository) ExitAllForDefinition(ctx context.Context, definitionID, reason string, now time.Time) (int64, error) {
	query := `UPDATE enrollments SET status = 'exited', exit_reason = ` + r.dialect.placeholder(1) + `,
		exited_at = ` + r.dialect.placeholder(2) + `, next_action_at = NULL, active_key = NULL, modified = ` + r.dialect.placeholder(3) + `
		WHERE definition_id = ` + r.dialect.placeholder(4) + ` AND status IN ('active', 'paused')
		  AND (claimed_by IS NULL OR ` + r.dialect.dateCompare("claim_expires_at", "<", r.dialect.placeholder(5)) + `)`
	ts := r.dialect.formatDate(now)
	result, err := r.db.ExecContext(ctx, query, reason, ts, ts, definitionID, ts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ReleaseExpiredClaims clears claim markers left behind by crashed workers.
func (r *EnrollmentRepository) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE enrollments SET claimed_by = NULL, claim_expires_at = NULL
		WHERE claimed_by IS NOT NULL AND ` + r.dialect.dateCompare("claim_expires_at", "<", r.dialect.placeholder(1))
	result, err := r.db.ExecContext(ctx, query, r.dialect.formatDate(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *EnrollmentRepository) SearchEnrollments(ctx context.Context, req models.SearchEnrollmentsRequest) ([]*domain.Enrollment, error) {
	whereClause, args := r.buildWhereClause(req)
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments ` + whereClause + `
		ORDER BY created DESC` + buildLimitsAndOffset(req)
	return r.queryEnrollments(ctx, query, args...)
}

func buildLimitsAndOffset(req models.SearchEnrollmentsRequest) string {
	if req.Limit > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", req.Limit, req.Offset)
	}
	return ""
}

func (r *EnrollmentRepository) buildWhereClause(req models.SearchEnrollmentsRequest) (string, []any) {
	var andClauses []string
	var args []any
	if req.DefinitionID != "" {
		args = append(args, req.DefinitionID)
		andClauses = append(andClauses, fmt.Sprintf("definition_id = %s", r.dialect.placeholder(len(args))))
	}
	if req.ContactID != "" {
		args = append(args, req.ContactID)
		andClauses = append(andClauses, fmt.Sprintf("contact_id = %s", r.dialect.placeholder(len(args))))
	}
	if req.Status != "" {
		args = append(args, req.Status)
		andClauses = append(andClauses, fmt.Sprintf("status = %s", r.dialect.placeholder(len(args))))
	}
	if len(andClauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(andClauses, " AND "), args
}

func (r *EnrollmentRepository) queryEnrollments(ctx context.Context, query string, args ...any) ([]*domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnrollment(row rowScanner) (*domain.Enrollment, error) {
	var e domain.Enrollment
	var status, entryData string
	err := row.Scan(
		&e.ID,
		&e.DefinitionID,
		&e.ContactID,
		&status,
		&e.CurrentStep,
		&e.NextActionAt,
		&entryData,
		&e.EntryNumber,
		&e.Attempts,
		&e.LastError,
		&e.ExitedAt,
		&e.ExitReason,
		&e.GoalReached,
		&e.GoalReachedAt,
		&e.GoalValue,
		&e.ClaimedBy,
		&e.ClaimExpiresAt,
		&e.Created,
		&e.Modified,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EnrollmentStatus(status)
	if entryData != "" {
		if err := json.Unmarshal([]byte(entryData), &e.EntryData); err != nil {
			return nil, fmt.Errorf("enrollment %s: decode entry data: %w", e.ID, err)
		}
	}
	e.NextActionAt = utcNull(e.NextActionAt)
	e.ExitedAt = utcNull(e.ExitedAt)
	e.GoalReachedAt = utcNull(e.GoalReachedAt)
	e.ClaimExpiresAt = utcNull(e.ClaimExpiresAt)
	e.Created = e.Created.UTC()
	e.Modified = e.Modified.UTC()
	return &e, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
