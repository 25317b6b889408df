package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

type DeliveryLogRepository struct {
	db      *sql.DB
	dialect Dialect
}

const deliveryLogColumns = ` id, enrollment_id, definition_id, step_id, contact_id, delivery_id, template_ref, status,
		sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at, revenue, created, modified `

func NewDeliveryLogRepository(db *sql.DB, dialect Dialect) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db, dialect: dialect}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDeliveryLog(ctx context.Context, db execer, d Dialect, l *domain.DeliveryLog) error {
	query := `INSERT INTO delivery_logs (` + deliveryLogColumns + `) VALUES (` + strings.Join(d.placeholders(1, 17), ", ") + `)`
	_, err := db.ExecContext(ctx, query,
		l.ID, l.EnrollmentID, l.DefinitionID, l.StepID, l.ContactID, l.DeliveryID, l.TemplateRef, string(l.Status),
		d.formatDate(l.SentAt), d.formatDateNull(l.DeliveredAt), d.formatDateNull(l.OpenedAt), d.formatDateNull(l.ClickedAt),
		d.formatDateNull(l.BouncedAt), d.formatDateNull(l.FailedAt), l.Revenue,
		d.formatDate(l.Created), d.formatDate(l.Modified))
	return err
}

func (r *DeliveryLogRepository) Save(ctx context.Context, l *domain.DeliveryLog) error {
	return insertDeliveryLog(ctx, r.db, r.dialect, l)
}

func (r *DeliveryLogRepository) FindByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE id = ` + r.dialect.placeholder(1)
	l, err := scanDeliveryLog(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "delivery log "+id)
	}
	return l, nil
}

func (r *DeliveryLogRepository) FindByDeliveryID(ctx context.Context, deliveryID string) (*domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE delivery_id = ` + r.dialect.placeholder(1)
	l, err := scanDeliveryLog(r.db.QueryRowContext(ctx, query, deliveryID))
	if err != nil {
		return nil, notFound(err, "delivery "+deliveryID)
	}
	return l, nil
}

// FindLatestForStep returns the newest log an enrollment produced at an email step.
func (r *DeliveryLogRepository) FindLatestForStep(ctx context.Context, enrollmentID, stepID string) (*domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs
		WHERE enrollment_id = ` + r.dialect.placeholder(1) + ` AND step_id = ` + r.dialect.placeholder(2) + `
		ORDER BY sent_at DESC
		LIMIT 1`
	l, err := scanDeliveryLog(r.db.QueryRowContext(ctx, query, enrollmentID, stepID))
	if err != nil {
		return nil, notFound(err, "delivery log for step "+stepID)
	}
	return l, nil
}

func (r *DeliveryLogRepository) FindByEnrollment(ctx context.Context, enrollmentID string) ([]*domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs
		WHERE enrollment_id = ` + r.dialect.placeholder(1) + ` ORDER BY sent_at ASC`
	rows, err := r.db.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateIfUnmodified writes back a log only if nobody changed it since it
// was read, detected through the modified timestamp.
func (r *DeliveryLogRepository) UpdateIfUnmodified(ctx context.Context, l *domain.DeliveryLog, prevModified time.Time) (bool, error) {
	p := r.dialect.placeholders(1, 10)
	query := `UPDATE delivery_logs SET status = ` + p[0] + `, delivered_at = ` + p[1] + `, opened_at = ` + p[2] + `,
		clicked_at = ` + p[3] + `, bounced_at = ` + p[4] + `, failed_at = ` + p[5] + `, revenue = ` + p[6] + `,
		modified = ` + p[7] + `
		WHERE id = ` + p[8] + ` AND modified = ` + p[9]
	result, err := r.db.ExecContext(ctx, query,
		string(l.Status), r.dialect.formatDateNull(l.DeliveredAt), r.dialect.formatDateNull(l.OpenedAt),
		r.dialect.formatDateNull(l.ClickedAt), r.dialect.formatDateNull(l.BouncedAt), r.dialect.formatDateNull(l.FailedAt),
		l.Revenue, r.dialect.formatDate(l.Modified), l.ID, r.dialect.formatDate(prevModified))
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func scanDeliveryLog(row rowScanner) (*domain.DeliveryLog, error) {
	var l domain.DeliveryLog
	var status string
	err := row.Scan(
		&l.ID,
		&l.EnrollmentID,
		&l.DefinitionID,
		&l.StepID,
		&l.ContactID,
		&l.DeliveryID,
		&l.TemplateRef,
		&status,
		&l.SentAt,
		&l.DeliveredAt,
		&l.OpenedAt,
		&l.ClickedAt,
		&l.BouncedAt,
		&l.FailedAt,
		&l.Revenue,
		&l.Created,
		&l.Modified,
	)
	if err != nil {
		return nil, err
	}
	l.Status = domain.DeliveryStatus(status)
	l.SentAt = l.SentAt.UTC()
	l.DeliveredAt = utcNull(l.DeliveredAt)
	l.OpenedAt = utcNull(l.OpenedAt)
	l.ClickedAt = utcNull(l.ClickedAt)
	l.BouncedAt = utcNull(l.BouncedAt)
	l.FailedAt = utcNull(l.FailedAt)
	l.Created = l.Created.UTC()
	l.Modified = l.Modified.UTC()
	return &l, nil
}
