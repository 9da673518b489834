package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertProcessedActivity      = `INSERT INTO processed_activities(id, activity_uri, activity_type, actor_uri, disposition, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectProcessedActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, disposition, raw_json, created_at FROM processed_activities WHERE activity_uri = ?`
	sqlDeleteProcessedBefore        = `DELETE FROM processed_activities WHERE created_at < ?`
)

// InsertProcessedActivityTx appends a ledger row. It must run in the same
// transaction as the activity's side effects so the ledger never claims an
// effect that was rolled back.
func (db *DB) InsertProcessedActivityTx(tx *sql.Tx, activity *domain.ProcessedActivity) error {
	_, err := tx.Exec(sqlInsertProcessedActivity,
		activity.Id.String(),
		activity.ActivityURI,
		activity.ActivityType,
		activity.ActorURI,
		activity.Disposition,
		activity.RawJSON,
		activity.CreatedAt,
	)
	return err
}

func scanProcessedActivity(row *sql.Row) (error, *domain.ProcessedActivity) {
	var activity domain.ProcessedActivity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.Disposition,
		&activity.RawJSON,
		&activity.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

func (db *DB) ReadProcessedActivityByURI(uri string) (error, *domain.ProcessedActivity) {
	return scanProcessedActivity(db.db.QueryRow(sqlSelectProcessedActivityByURI, uri))
}

func (db *DB) ReadProcessedActivityByURITx(tx *sql.Tx, uri string) (error, *domain.ProcessedActivity) {
	return scanProcessedActivity(tx.QueryRow(sqlSelectProcessedActivityByURI, uri))
}

// DeleteProcessedBefore implements the ledger retention policy.
func (db *DB) DeleteProcessedBefore(cutoff time.Time) (int64, error) {
	var affected int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteProcessedBefore, cutoff)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
