package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/domain"
)

const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_id, followed_id, uri, state, auto_repost_originals, auto_repost_reposts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollow = `SELECT id, follower_id, followed_id, uri, state, auto_repost_originals, auto_repost_reposts, created_at FROM follows`

	sqlSelectFollowById    = sqlSelectFollow + ` WHERE id = ?`
	sqlSelectFollowByURI   = sqlSelectFollow + ` WHERE uri = ?`
	sqlSelectFollowByPair  = sqlSelectFollow + ` WHERE follower_id = ? AND followed_id = ?`
	sqlSelectFollowersOf   = sqlSelectFollow + ` WHERE followed_id = ? AND state = 'accepted'`
	sqlSelectFollowsOf     = sqlSelectFollow + ` WHERE follower_id = ? AND state != 'removed'`
	sqlUpdateFollowState   = `UPDATE follows SET state = ? WHERE id = ?`
	sqlUpdateFollowReissue = `UPDATE follows SET state = ?, uri = ?, auto_repost_originals = 0, auto_repost_reposts = 0 WHERE id = ?`
	sqlUpdateFollowPolicy  = `UPDATE follows SET auto_repost_originals = ?, auto_repost_reposts = ? WHERE id = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.CreateFollowTx(tx, follow)
	})
}

func (db *DB) CreateFollowTx(tx *sql.Tx, follow *domain.Follow) error {
	_, err := tx.Exec(sqlInsertFollow,
		follow.Id.String(),
		follow.FollowerId.String(),
		follow.FollowedId.String(),
		follow.URI,
		follow.State,
		follow.AutoRepostOriginals,
		follow.AutoRepostReposts,
		follow.CreatedAt,
	)
	return err
}

func scanFollow(scan func(dest ...interface{}) error) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, followerStr, followedStr string
	err := scan(
		&idStr,
		&followerStr,
		&followedStr,
		&follow.URI,
		&follow.State,
		&follow.AutoRepostOriginals,
		&follow.AutoRepostReposts,
		&follow.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.FollowerId, _ = uuid.Parse(followerStr)
	follow.FollowedId, _ = uuid.Parse(followedStr)
	return nil, &follow
}

func (db *DB) ReadFollowById(id uuid.UUID) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowById, id.String()).Scan)
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri).Scan)
}

func (db *DB) ReadFollowByPair(followerId, followedId uuid.UUID) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByPair, followerId.String(), followedId.String()).Scan)
}

func (db *DB) ReadFollowByPairTx(tx *sql.Tx, followerId, followedId uuid.UUID) (error, *domain.Follow) {
	return scanFollow(tx.QueryRow(sqlSelectFollowByPair, followerId.String(), followedId.String()).Scan)
}

func (db *DB) ReadFollowByURITx(tx *sql.Tx, uri string) (error, *domain.Follow) {
	return scanFollow(tx.QueryRow(sqlSelectFollowByURI, uri).Scan)
}

func (db *DB) UpdateFollowState(id uuid.UUID, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return db.UpdateFollowStateTx(tx, id, state)
	})
}

func (db *DB) UpdateFollowStateTx(tx *sql.Tx, id uuid.UUID, state string) error {
	_, err := tx.Exec(sqlUpdateFollowState, state, id.String())
	return err
}

// ReissueFollowTx revives a removed follow row as a fresh pending follow
// under a new activity URI. Policy flags reset with it.
func (db *DB) ReissueFollowTx(tx *sql.Tx, id uuid.UUID, uri string) error {
	_, err := tx.Exec(sqlUpdateFollowReissue, domain.FollowPending, uri, id.String())
	return err
}

func (db *DB) UpdateFollowPolicy(id uuid.UUID, autoRepostOriginals, autoRepostReposts bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowPolicy, autoRepostOriginals, autoRepostReposts, id.String())
		return err
	})
}

func readFollowRows(rows *sql.Rows, err error) (error, *[]domain.Follow) {
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		err, follow := scanFollow(rows.Scan)
		if err != nil {
			return err, &follows
		}
		follows = append(follows, *follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

// ReadFollowersOf returns accepted follows pointing at the given account
// (the follower side of each row is who delivers get fanned out to).
func (db *DB) ReadFollowersOf(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersOf, accountId.String())
	return readFollowRows(rows, err)
}

func (db *DB) ReadFollowersOfTx(tx *sql.Tx, accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := tx.Query(sqlSelectFollowersOf, accountId.String())
	return readFollowRows(rows, err)
}

// ReadFollowsOf returns the follow edges originating from the given account,
// pending and accepted alike.
func (db *DB) ReadFollowsOf(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowsOf, accountId.String())
	return readFollowRows(rows, err)
}
