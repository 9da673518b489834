package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertRepostRecord = `INSERT INTO repost_records(id, calendar_id, origin_url, event_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectRepostRecord = `SELECT id, calendar_id, origin_url, event_id, status, created_at FROM repost_records`

	sqlSelectRepostRecordById   = sqlSelectRepostRecord + ` WHERE id = ?`
	sqlSelectRepostRecordByPair = sqlSelectRepostRecord + ` WHERE calendar_id = ? AND origin_url = ?`
	sqlSelectRepostsByOrigin    = sqlSelectRepostRecord + ` WHERE origin_url = ?`
	sqlSelectRepostsByCalendar  = sqlSelectRepostRecord + ` WHERE calendar_id = ? ORDER BY created_at DESC`
	sqlUpdateRepostStatus       = `UPDATE repost_records SET status = ? WHERE id = ?`
	sqlDeleteRepostRecord       = `DELETE FROM repost_records WHERE id = ?`
)

func (db *DB) CreateRepostRecordTx(tx *sql.Tx, record *domain.RepostRecord) error {
	_, err := tx.Exec(sqlInsertRepostRecord,
		record.Id.String(),
		record.CalendarId.String(),
		record.OriginURL,
		record.EventId.String(),
		record.Status,
		record.CreatedAt,
	)
	return err
}

func scanRepostRecord(scan func(dest ...interface{}) error) (error, *domain.RepostRecord) {
	var record domain.RepostRecord
	var idStr, calStr, eventStr string
	err := scan(
		&idStr,
		&calStr,
		&record.OriginURL,
		&eventStr,
		&record.Status,
		&record.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	record.Id, _ = uuid.Parse(idStr)
	record.CalendarId, _ = uuid.Parse(calStr)
	record.EventId, _ = uuid.Parse(eventStr)
	return nil, &record
}

func (db *DB) ReadRepostRecordById(id uuid.UUID) (error, *domain.RepostRecord) {
	return scanRepostRecord(db.db.QueryRow(sqlSelectRepostRecordById, id.String()).Scan)
}

func (db *DB) ReadRepostRecord(calendarId uuid.UUID, originURL string) (error, *domain.RepostRecord) {
	return scanRepostRecord(db.db.QueryRow(sqlSelectRepostRecordByPair, calendarId.String(), originURL).Scan)
}

func (db *DB) ReadRepostRecordTx(tx *sql.Tx, calendarId uuid.UUID, originURL string) (error, *domain.RepostRecord) {
	return scanRepostRecord(tx.QueryRow(sqlSelectRepostRecordByPair, calendarId.String(), originURL).Scan)
}

// ReadRepostRecordsByOrigin returns every calendar's record for an origin
// URL, used to propagate origin updates to all linked local events.
func (db *DB) ReadRepostRecordsByOrigin(originURL string) (error, *[]domain.RepostRecord) {
	rows, err := db.db.Query(sqlSelectRepostsByOrigin, originURL)
	return readRepostRows(rows, err)
}

func (db *DB) ReadRepostRecordsByOriginTx(tx *sql.Tx, originURL string) (error, *[]domain.RepostRecord) {
	rows, err := tx.Query(sqlSelectRepostsByOrigin, originURL)
	return readRepostRows(rows, err)
}

func (db *DB) ReadRepostRecordsByCalendar(calendarId uuid.UUID) (error, *[]domain.RepostRecord) {
	rows, err := db.db.Query(sqlSelectRepostsByCalendar, calendarId.String())
	return readRepostRows(rows, err)
}

func readRepostRows(rows *sql.Rows, err error) (error, *[]domain.RepostRecord) {
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var records []domain.RepostRecord
	for rows.Next() {
		err, record := scanRepostRecord(rows.Scan)
		if err != nil {
			return err, &records
		}
		records = append(records, *record)
	}
	if err = rows.Err(); err != nil {
		return err, &records
	}
	return nil, &records
}

func (db *DB) UpdateRepostStatusTx(tx *sql.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(sqlUpdateRepostStatus, status, id.String())
	return err
}

func (db *DB) DeleteRepostRecordTx(tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.Exec(sqlDeleteRepostRecord, id.String())
	return err
}
