package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertRemoteActor      = `INSERT INTO remote_actors(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteActorByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
	sqlSelectRemoteActorById  = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, public_key_pem, last_fetched_at FROM remote_actors WHERE id = ?`
	sqlUpdateRemoteActor      = `UPDATE remote_actors SET display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, public_key_pem = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlDeleteRemoteActor      = `DELETE FROM remote_actors WHERE id = ?`
)

func (db *DB) CreateRemoteActor(actor *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteActor,
			actor.Id.String(),
			actor.Username,
			actor.Domain,
			actor.ActorURI,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			actor.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) UpdateRemoteActor(actor *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteActor,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			actor.LastFetchedAt,
			actor.ActorURI,
		)
		return err
	})
}

func scanRemoteActor(row *sql.Row) (error, *domain.RemoteActor) {
	var actor domain.RemoteActor
	var idStr string
	err := row.Scan(
		&idStr,
		&actor.Username,
		&actor.Domain,
		&actor.ActorURI,
		&actor.DisplayName,
		&actor.Summary,
		&actor.InboxURI,
		&actor.OutboxURI,
		&actor.PublicKeyPem,
		&actor.LastFetchedAt,
	)
	if err != nil {
		return err, nil
	}
	actor.Id, _ = uuid.Parse(idStr)
	return nil, &actor
}

func (db *DB) ReadRemoteActorByURI(uri string) (error, *domain.RemoteActor) {
	return scanRemoteActor(db.db.QueryRow(sqlSelectRemoteActorByURI, uri))
}

func (db *DB) ReadRemoteActorById(id uuid.UUID) (error, *domain.RemoteActor) {
	return scanRemoteActor(db.db.QueryRow(sqlSelectRemoteActorById, id.String()))
}

// DeleteRemoteActorTx removes a remote actor along with its follow edges and
// event sources. Used when a remote instance announces an actor deletion.
func (db *DB) DeleteRemoteActorTx(tx *sql.Tx, id uuid.UUID) error {
	if _, err := tx.Exec(`DELETE FROM follows WHERE follower_id = ? OR followed_id = ?`, id.String(), id.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM event_sources WHERE actor_id = ?`, id.String()); err != nil {
		return err
	}
	_, err := tx.Exec(sqlDeleteRemoteActor, id.String())
	return err
}
