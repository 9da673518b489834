package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertEvent = `INSERT INTO events(id, calendar_id, title, content, start_time, end_time, origin_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectEvent = `SELECT id, calendar_id, title, content, start_time, end_time, origin_url, created_at, updated_at FROM events`

	sqlSelectEventById           = sqlSelectEvent + ` WHERE id = ?`
	sqlSelectEventsByCalendarId  = sqlSelectEvent + ` WHERE calendar_id = ? ORDER BY start_time ASC`
	sqlUpdateEventContent        = `UPDATE events SET title = ?, content = ?, start_time = ?, end_time = ?, updated_at = ? WHERE id = ?`
	sqlDeleteEvent               = `DELETE FROM events WHERE id = ?`
	sqlUpsertRemoteEvent         = `INSERT INTO remote_events(id, origin_url, actor_uri, title, content, start_time, end_time, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(origin_url) DO UPDATE SET title = excluded.title, content = excluded.content, start_time = excluded.start_time, end_time = excluded.end_time, updated_at = CURRENT_TIMESTAMP`
	sqlSelectRemoteEventByOrigin = `SELECT id, origin_url, actor_uri, title, content, start_time, end_time, created_at, updated_at FROM remote_events WHERE origin_url = ?`
	sqlDeleteRemoteEventByOrigin = `DELETE FROM remote_events WHERE origin_url = ?`
	sqlInsertEventSource         = `INSERT OR IGNORE INTO event_sources(id, origin_url, actor_id, kind, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteEventSource         = `DELETE FROM event_sources WHERE origin_url = ? AND actor_id = ? AND kind = ?`
	sqlDeleteEventSourcesByURL   = `DELETE FROM event_sources WHERE origin_url = ?`

	// A feed entry exists iff an accepted follow from the calendar reaches an
	// actor that authored or announced the origin event.
	sqlSelectFeedByCalendarId = `SELECT re.origin_url, re.actor_uri, re.title, re.content, re.start_time, re.end_time, es.kind
		FROM remote_events re
		INNER JOIN event_sources es ON es.origin_url = re.origin_url
		INNER JOIN follows f ON f.followed_id = es.actor_id
		WHERE f.follower_id = ? AND f.state = 'accepted'
		GROUP BY re.origin_url
		ORDER BY re.start_time ASC`
)

func (db *DB) CreateEvent(event *domain.Event) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.CreateEventTx(tx, event)
	})
}

func (db *DB) CreateEventTx(tx *sql.Tx, event *domain.Event) error {
	_, err := tx.Exec(sqlInsertEvent,
		event.Id.String(),
		event.CalendarId.String(),
		event.Title,
		event.Content,
		event.StartTime,
		event.EndTime,
		event.OriginURL,
		event.CreatedAt,
	)
	return err
}

func scanEvent(scan func(dest ...interface{}) error) (error, *domain.Event) {
	var event domain.Event
	var idStr, calStr string
	var updatedAt sql.NullTime
	err := scan(
		&idStr,
		&calStr,
		&event.Title,
		&event.Content,
		&event.StartTime,
		&event.EndTime,
		&event.OriginURL,
		&event.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return err, nil
	}
	event.Id, _ = uuid.Parse(idStr)
	event.CalendarId, _ = uuid.Parse(calStr)
	if updatedAt.Valid {
		event.UpdatedAt = &updatedAt.Time
	}
	return nil, &event
}

func (db *DB) ReadEventById(id uuid.UUID) (error, *domain.Event) {
	return scanEvent(db.db.QueryRow(sqlSelectEventById, id.String()).Scan)
}

func (db *DB) ReadEventsByCalendarId(calendarId uuid.UUID) (error, *[]domain.Event) {
	rows, err := db.db.Query(sqlSelectEventsByCalendarId, calendarId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		err, event := scanEvent(rows.Scan)
		if err != nil {
			return err, &events
		}
		events = append(events, *event)
	}
	if err = rows.Err(); err != nil {
		return err, &events
	}
	return nil, &events
}

func (db *DB) UpdateEventContent(id uuid.UUID, title, content string, start, end time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.UpdateEventContentTx(tx, id, title, content, start, end)
	})
}

func (db *DB) UpdateEventContentTx(tx *sql.Tx, id uuid.UUID, title, content string, start, end time.Time) error {
	now := time.Now()
	_, err := tx.Exec(sqlUpdateEventContent, title, content, start, end, now, id.String())
	return err
}

func (db *DB) DeleteEvent(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.DeleteEventTx(tx, id)
	})
}

func (db *DB) DeleteEventTx(tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.Exec(sqlDeleteEvent, id.String())
	return err
}

// Remote event cache

func (db *DB) UpsertRemoteEventTx(tx *sql.Tx, event *domain.RemoteEvent) error {
	_, err := tx.Exec(sqlUpsertRemoteEvent,
		event.Id.String(),
		event.OriginURL,
		event.ActorURI,
		event.Title,
		event.Content,
		event.StartTime,
		event.EndTime,
		event.CreatedAt,
	)
	return err
}

func (db *DB) ReadRemoteEventByOrigin(originURL string) (error, *domain.RemoteEvent) {
	return db.readRemoteEvent(db.db.QueryRow(sqlSelectRemoteEventByOrigin, originURL))
}

func (db *DB) ReadRemoteEventByOriginTx(tx *sql.Tx, originURL string) (error, *domain.RemoteEvent) {
	return db.readRemoteEvent(tx.QueryRow(sqlSelectRemoteEventByOrigin, originURL))
}

func (db *DB) readRemoteEvent(row *sql.Row) (error, *domain.RemoteEvent) {
	var event domain.RemoteEvent
	var idStr string
	var updatedAt sql.NullTime
	err := row.Scan(
		&idStr,
		&event.OriginURL,
		&event.ActorURI,
		&event.Title,
		&event.Content,
		&event.StartTime,
		&event.EndTime,
		&event.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return err, nil
	}
	event.Id, _ = uuid.Parse(idStr)
	if updatedAt.Valid {
		event.UpdatedAt = &updatedAt.Time
	}
	return nil, &event
}

// DeleteRemoteEventTx drops the cached event and every source pointing at
// it, which removes it from all derived feeds at once.
func (db *DB) DeleteRemoteEventTx(tx *sql.Tx, originURL string) error {
	if _, err := tx.Exec(sqlDeleteEventSourcesByURL, originURL); err != nil {
		return err
	}
	_, err := tx.Exec(sqlDeleteRemoteEventByOrigin, originURL)
	return err
}

func (db *DB) InsertEventSourceTx(tx *sql.Tx, source *domain.EventSource) error {
	_, err := tx.Exec(sqlInsertEventSource,
		source.Id.String(),
		source.OriginURL,
		source.ActorId.String(),
		source.Kind,
		source.CreatedAt,
	)
	return err
}

func (db *DB) DeleteEventSourceTx(tx *sql.Tx, originURL string, actorId uuid.UUID, kind string) error {
	_, err := tx.Exec(sqlDeleteEventSource, originURL, actorId.String(), kind)
	return err
}

// ReadFeedByCalendarId materializes the derived feed view for a calendar.
func (db *DB) ReadFeedByCalendarId(calendarId uuid.UUID) (error, *[]domain.FeedEntry) {
	rows, err := db.db.Query(sqlSelectFeedByCalendarId, calendarId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.FeedEntry
	for rows.Next() {
		var entry domain.FeedEntry
		if err := rows.Scan(&entry.OriginURL, &entry.ActorURI, &entry.Title, &entry.Content, &entry.StartTime, &entry.EndTime, &entry.SourceKind); err != nil {
			return err, &entries
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return err, &entries
	}
	return nil, &entries
}
