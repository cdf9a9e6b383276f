// Package changelog appends to the write-once status change log. Reads live
// in the repo package; there are no update or delete operations anywhere.
package changelog

import (
	"context"
	"database/sql"
	"time"

	"trackline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one accepted transition inside the caller's transaction and
// returns the entry as persisted.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, reportID, actorID, oldStatus, newStatus string) (domain.StatusChange, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	entry := domain.StatusChange{
		ReportID:  reportID,
		ActorID:   actorID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		TS:        w.Now().UTC().Format(time.RFC3339),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO status_changes(report_id,actor_id,old_status,new_status,ts) VALUES (?,?,?,?,?)`,
		entry.ReportID, entry.ActorID, entry.OldStatus, entry.NewStatus, entry.TS)
	if err != nil {
		return domain.StatusChange{}, err
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return domain.StatusChange{}, err
	}
	return entry, nil
}
