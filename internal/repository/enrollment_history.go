package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// appendHistory inserts entries after the current last seq. The primary key
// on (enrollment_id, seq) rejects any attempt to rewrite an existing entry.
func (r *EnrollmentRepository) appendHistory(ctx context.Context, tx *sql.Tx, enrollmentID string, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var last sql.NullInt64
	query := `SELECT MAX(seq) FROM enrollment_history WHERE enrollment_id = ` + r.dialect.placeholder(1)
	if err := tx.QueryRowContext(ctx, query, enrollmentID).Scan(&last); err != nil {
		return fmt.Errorf("read history seq: %w", err)
	}
	seq := int(last.Int64)
	insert := `INSERT INTO enrollment_history (enrollment_id, seq, step_id, step_type, action, ts, data)
		VALUES (` + strings.Join(r.dialect.placeholders(1, 7), ", ") + `)`
	for i := range entries {
		seq++
		entries[i].EnrollmentID = enrollmentID
		entries[i].Seq = seq
		data, err := marshalMap(entries[i].Data)
		if err != nil {
			return fmt.Errorf("marshal history data: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, enrollmentID, seq, entries[i].StepID, string(entries[i].StepType),
			string(entries[i].Action), r.dialect.formatDate(entries[i].Timestamp), data); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}

// History returns the full audit log of an enrollment in order.
func (r *EnrollmentRepository) History(ctx context.Context, enrollmentID string) ([]domain.HistoryEntry, error) {
	query := `SELECT enrollment_id, seq, step_id, step_type, action, ts, data
		FROM enrollment_history WHERE enrollment_id = ` + r.dialect.placeholder(1) + `
		ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var stepType, action, data string
		if err := rows.Scan(&h.EnrollmentID, &h.Seq, &h.StepID, &stepType, &action, &h.Timestamp, &data); err != nil {
			return nil, err
		}
		h.StepType = domain.StepType(stepType)
		h.Action = domain.HistoryAction(action)
		h.Timestamp = h.Timestamp.UTC()
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &h.Data); err != nil {
				return nil, fmt.Errorf("decode history data: %w", err)
			}
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
