package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertCalendar = `INSERT INTO calendars(id, url_name, display_name, description, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectCalendar = `SELECT id, url_name, display_name, description, web_public_key, web_private_key, created_at FROM calendars`

	sqlSelectCalendarById      = sqlSelectCalendar + ` WHERE id = ?`
	sqlSelectCalendarByUrlName = sqlSelectCalendar + ` WHERE url_name = ?`
	sqlSelectAllCalendars      = sqlSelectCalendar + ` ORDER BY created_at ASC`
)

func (db *DB) CreateCalendar(cal *domain.Calendar) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCalendar,
			cal.Id.String(),
			cal.UrlName,
			cal.DisplayName,
			cal.Description,
			cal.WebPublicKey,
			cal.WebPrivateKey,
			cal.CreatedAt,
		)
		return err
	})
}

func scanCalendar(row *sql.Row) (error, *domain.Calendar) {
	var cal domain.Calendar
	var idStr string
	var createdAt time.Time
	err := row.Scan(
		&idStr,
		&cal.UrlName,
		&cal.DisplayName,
		&cal.Description,
		&cal.WebPublicKey,
		&cal.WebPrivateKey,
		&createdAt,
	)
	if err != nil {
		return err, nil
	}
	cal.Id, _ = uuid.Parse(idStr)
	cal.CreatedAt = createdAt
	return nil, &cal
}

func (db *DB) ReadCalendarById(id uuid.UUID) (error, *domain.Calendar) {
	return scanCalendar(db.db.QueryRow(sqlSelectCalendarById, id.String()))
}

func (db *DB) ReadCalendarByUrlName(urlName string) (error, *domain.Calendar) {
	return scanCalendar(db.db.QueryRow(sqlSelectCalendarByUrlName, urlName))
}

func (db *DB) ReadAllCalendars() (error, *[]domain.Calendar) {
	rows, err := db.db.Query(sqlSelectAllCalendars)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var calendars []domain.Calendar
	for rows.Next() {
		var cal domain.Calendar
		var idStr string
		if err := rows.Scan(&idStr, &cal.UrlName, &cal.DisplayName, &cal.Description, &cal.WebPublicKey, &cal.WebPrivateKey, &cal.CreatedAt); err != nil {
			return err, &calendars
		}
		cal.Id, _ = uuid.Parse(idStr)
		calendars = append(calendars, cal)
	}
	if err = rows.Err(); err != nil {
		return err, &calendars
	}
	return nil, &calendars
}
