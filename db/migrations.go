package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateCalendarsTable = `CREATE TABLE IF NOT EXISTS calendars (
		id TEXT NOT NULL PRIMARY KEY,
		url_name TEXT UNIQUE NOT NULL,
		display_name TEXT,
		description TEXT,
		web_public_key TEXT,
		web_private_key TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_actor_uri ON remote_actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followed_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		auto_repost_originals INTEGER DEFAULT 0,
		auto_repost_reposts INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, followed_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);
		CREATE INDEX IF NOT EXISTS idx_follows_followed_id ON follows(followed_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateEventsTable = `CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		title TEXT,
		content TEXT,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		origin_url TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	)`

	sqlCreateEventsIndices = `
		CREATE INDEX IF NOT EXISTS idx_events_calendar_id ON events(calendar_id);
		CREATE INDEX IF NOT EXISTS idx_events_origin_url ON events(origin_url);
		CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time);
	`

	sqlCreateRemoteEventsTable = `CREATE TABLE IF NOT EXISTS remote_events (
		id TEXT NOT NULL PRIMARY KEY,
		origin_url TEXT UNIQUE NOT NULL,
		actor_uri TEXT NOT NULL,
		title TEXT,
		content TEXT,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	)`

	sqlCreateEventSourcesTable = `CREATE TABLE IF NOT EXISTS event_sources (
		id TEXT NOT NULL PRIMARY KEY,
		origin_url TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(origin_url, actor_id, kind)
	)`

	sqlCreateEventSourcesIndices = `
		CREATE INDEX IF NOT EXISTS idx_event_sources_origin_url ON event_sources(origin_url);
		CREATE INDEX IF NOT EXISTS idx_event_sources_actor_id ON event_sources(actor_id);
	`

	sqlCreateRepostRecordsTable = `CREATE TABLE IF NOT EXISTS repost_records (
		id TEXT NOT NULL PRIMARY KEY,
		calendar_id TEXT NOT NULL,
		origin_url TEXT NOT NULL,
		event_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(calendar_id, origin_url)
	)`

	sqlCreateRepostRecordsIndices = `
		CREATE INDEX IF NOT EXISTS idx_repost_records_origin_url ON repost_records(origin_url);
		CREATE INDEX IF NOT EXISTS idx_repost_records_calendar_id ON repost_records(calendar_id);
	`

	sqlCreateProcessedActivitiesTable = `CREATE TABLE IF NOT EXISTS processed_activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		disposition TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateProcessedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_processed_activities_uri ON processed_activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_processed_activities_created_at ON processed_activities(created_at);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"calendars", sqlCreateCalendarsTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"follows", sqlCreateFollowsTable},
			{"events", sqlCreateEventsTable},
			{"remote_events", sqlCreateRemoteEventsTable},
			{"event_sources", sqlCreateEventSourcesTable},
			{"repost_records", sqlCreateRepostRecordsTable},
			{"processed_activities", sqlCreateProcessedActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}

		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.ddl, t.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteActorsIndices,
			sqlCreateFollowsIndices,
			sqlCreateEventsIndices,
			sqlCreateEventSourcesIndices,
			sqlCreateRepostRecordsIndices,
			sqlCreateProcessedActivitiesIndices,
			sqlCreateDeliveryQueueIndices,
		}

		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
