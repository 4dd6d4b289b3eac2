package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Open opens (and creates if necessary) the SQLite database at path and
// tunes it for the concurrent federation workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warn("failed to enable WAL mode", "err", err)
	} else {
		log.Debug("database journal mode", "mode", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}

// refVals splits an ActorRef into the nullable column pair used by the
// follows and interactions tables.
func refVals(a domain.ActorRef) (localID any, remoteURI any) {
	if a.IsRemote() {
		return nil, a.RemoteURI()
	}
	return a.LocalID().String(), nil
}

func scanRef(localID, remoteURI sql.NullString) domain.ActorRef {
	if remoteURI.Valid {
		return domain.RemoteActor(remoteURI.String)
	}
	id, _ := uuid.Parse(localID.String)
	return domain.LocalActor(id)
}

// nullable maps "" to NULL so empty message URIs never collide in the
// unique dedup index.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Accounts
const (
	sqlInsertAccount         = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountById     = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at FROM accounts WHERE id = ?`
	sqlSelectAccountByName   = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at FROM accounts WHERE username = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.CreatedAt,
		)
		return err
	})
}

func (db *DB) scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	var displayName, summary, avatarURL, pubKey, privKey sql.NullString
	err := row.Scan(&idStr, &acc.Username, &displayName, &summary, &avatarURL, &pubKey, &privKey, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.AvatarURL = avatarURL.String
	acc.WebPublicKey = pubKey.String
	acc.WebPrivateKey = privKey.String
	return &acc, nil
}

func (db *DB) ReadAccById(id uuid.UUID) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAccByUsername(username string) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountByName, username))
}

// Workouts
const (
	sqlInsertWorkout     = `INSERT INTO workouts(id, user_id, title, visibility, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectWorkoutById = `SELECT id, user_id, title, visibility, created_at FROM workouts WHERE id = ?`
)

func (db *DB) CreateWorkout(w *domain.Workout) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertWorkout,
			w.Id.String(),
			w.UserId.String(),
			w.Title,
			w.Visibility,
			w.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadWorkoutById(id uuid.UUID) (*domain.Workout, error) {
	row := db.db.QueryRow(sqlSelectWorkoutById, id.String())
	var w domain.Workout
	var idStr, userIdStr string
	var title sql.NullString
	err := row.Scan(&idStr, &userIdStr, &title, &w.Visibility, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Id, _ = uuid.Parse(idStr)
	w.UserId, _ = uuid.Parse(userIdStr)
	w.Title = title.String
	return &w, nil
}

// WorkoutVisible reports whether the workout exists and is visible to
// the general audience.
func (db *DB) WorkoutVisible(id uuid.UUID) (bool, error) {
	w, err := db.ReadWorkoutById(id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return w.Visibility == domain.VisibilityPublic, nil
}

// Remote accounts
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, avatar_url, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			public_key_pem = excluded.public_key_pem,
			key_id = excluded.key_id,
			avatar_url = excluded.avatar_url,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, avatar_url, last_fetched_at FROM remote_accounts WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, avatar_url, last_fetched_at FROM remote_accounts WHERE id = ?`
	sqlSelectRemoteAccountByHandle = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, avatar_url, last_fetched_at FROM remote_accounts WHERE username = ? AND domain = ?`
)

func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.KeyId,
			acc.AvatarURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) scanRemoteAccount(row *sql.Row) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	var idStr string
	var displayName, summary, sharedInbox, keyId, avatarURL sql.NullString
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&displayName,
		&summary,
		&acc.InboxURI,
		&sharedInbox,
		&acc.PublicKeyPem,
		&keyId,
		&avatarURL,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.SharedInboxURI = sharedInbox.String
	acc.KeyId = keyId.String
	acc.AvatarURL = avatarURL.String
	return &acc, nil
}

func (db *DB) ReadRemoteAccountByURI(uri string) (*domain.RemoteAccount, error) {
	return db.scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (*domain.RemoteAccount, error) {
	return db.scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
}

func (db *DB) ReadRemoteAccountByHandle(username, domainName string) (*domain.RemoteAccount, error) {
	return db.scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByHandle, username, domainName))
}

// Follows
const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_local_id, follower_remote_uri, target_local_id, target_remote_uri, status, message_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`
	sqlSelectFollowColumns = `SELECT id, follower_local_id, follower_remote_uri, target_local_id, target_remote_uri, status, message_uri, created_at FROM follows`
	sqlSelectFollowByPair  = sqlSelectFollowColumns + ` WHERE COALESCE(follower_local_id, follower_remote_uri) = ? AND COALESCE(target_local_id, target_remote_uri) = ?`
	sqlSelectFollowByMsg   = sqlSelectFollowColumns + ` WHERE message_uri = ?`
	sqlUpdateFollowStatus  = `UPDATE follows SET status = ? WHERE message_uri = ? AND status = ?`
	sqlDeleteFollowByPair  = `DELETE FROM follows WHERE COALESCE(follower_local_id, follower_remote_uri) = ? AND COALESCE(target_local_id, target_remote_uri) = ?`
	sqlDeleteRejectedFollow = `DELETE FROM follows WHERE COALESCE(follower_local_id, follower_remote_uri) = ? AND COALESCE(target_local_id, target_remote_uri) = ? AND status = 'rejected'`
	sqlSelectRemoteFollowers = `SELECT follower_remote_uri FROM follows WHERE target_local_id = ? AND status = 'accepted' AND follower_remote_uri IS NOT NULL`
)

// CreateFollow inserts the relationship unless a pending or accepted
// row for the pair already exists. A rejected row does not block the
// pair: it is replaced, so a new Follow starts a fresh edge. Returns
// true when a row was inserted.
func (db *DB) CreateFollow(follow *domain.FollowRelationship) (bool, error) {
	inserted := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		fLocal, fRemote := refVals(follow.Follower)
		tLocal, tRemote := refVals(follow.Target)
		if _, err := tx.Exec(sqlDeleteRejectedFollow, follow.Follower.Key(), follow.Target.Key()); err != nil {
			return err
		}
		res, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			fLocal, fRemote,
			tLocal, tRemote,
			string(follow.Status),
			nullable(follow.MessageURI),
			follow.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n > 0
		return err
	})
	return inserted, err
}

func (db *DB) scanFollow(row *sql.Row) (*domain.FollowRelationship, error) {
	var follow domain.FollowRelationship
	var idStr, status string
	var fLocal, fRemote, tLocal, tRemote, msgURI sql.NullString
	err := row.Scan(&idStr, &fLocal, &fRemote, &tLocal, &tRemote, &status, &msgURI, &follow.CreatedAt)
	if err != nil {
		return nil, err
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.Follower = scanRef(fLocal, fRemote)
	follow.Target = scanRef(tLocal, tRemote)
	follow.Status = domain.FollowStatus(status)
	follow.MessageURI = msgURI.String
	return &follow, nil
}

func (db *DB) ReadFollowByPair(follower, target domain.ActorRef) (*domain.FollowRelationship, error) {
	return db.scanFollow(db.db.QueryRow(sqlSelectFollowByPair, follower.Key(), target.Key()))
}

func (db *DB) ReadFollowByMessageURI(uri string) (*domain.FollowRelationship, error) {
	return db.scanFollow(db.db.QueryRow(sqlSelectFollowByMsg, uri))
}

// UpdateFollowStatus transitions the relationship identified by its
// originating message URI, guarded on the expected current status.
// Returns false when no matching row was in that state, which callers
// treat as a benign no-op.
func (db *DB) UpdateFollowStatus(messageURI string, from, to domain.FollowStatus) (bool, error) {
	updated := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateFollowStatus, string(to), messageURI, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

func (db *DB) DeleteFollowByPair(follower, target domain.ActorRef) (bool, error) {
	deleted := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowByPair, follower.Key(), target.Key())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// ReadRemoteFollowerURIs returns the actor URIs of all accepted remote
// followers of a local account, the fan-out target set for broadcasts.
func (db *DB) ReadRemoteFollowerURIs(localID uuid.UUID) ([]string, error) {
	rows, err := db.db.Query(sqlSelectRemoteFollowers, localID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// Interactions
const (
	sqlInsertInteraction = `INSERT INTO interactions(id, content_id, actor_local_id, actor_remote_uri, kind, body, display_name, message_uri, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT DO NOTHING`
	sqlSelectInteractionColumns = `SELECT id, content_id, actor_local_id, actor_remote_uri, kind, body, display_name, message_uri, deleted, created_at FROM interactions`
	sqlSelectInteractionByMsg   = sqlSelectInteractionColumns + ` WHERE message_uri = ?`
	sqlSelectInteractionsByContent = sqlSelectInteractionColumns + ` WHERE content_id = ? AND deleted = 0 ORDER BY created_at ASC`
	sqlDeleteLikeByPair         = `DELETE FROM interactions WHERE kind = 'like' AND content_id = ? AND COALESCE(actor_local_id, actor_remote_uri) = ?`
	sqlDeleteInteractionByMsg   = `DELETE FROM interactions WHERE message_uri = ? AND kind = 'like'`
	sqlSoftDeleteByMsg          = `UPDATE interactions SET deleted = 1 WHERE message_uri = ? AND kind = 'comment' AND deleted = 0`
)

// CreateInteraction inserts the record unless the originating message
// was already processed or, for likes, the (content, actor) pair
// already holds one. Returns true when a row was inserted.
func (db *DB) CreateInteraction(rec *domain.InteractionRecord) (bool, error) {
	inserted := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		aLocal, aRemote := refVals(rec.Actor)
		res, err := tx.Exec(sqlInsertInteraction,
			rec.Id.String(),
			rec.ContentId.String(),
			aLocal, aRemote,
			string(rec.Kind),
			rec.Body,
			rec.DisplayName,
			nullable(rec.MessageURI),
			rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n > 0
		return err
	})
	return inserted, err
}

func (db *DB) scanInteraction(scan func(dest ...any) error) (*domain.InteractionRecord, error) {
	var rec domain.InteractionRecord
	var idStr, contentStr, kind string
	var aLocal, aRemote, body, displayName, msgURI sql.NullString
	var deleted int
	err := scan(&idStr, &contentStr, &aLocal, &aRemote, &kind, &body, &displayName, &msgURI, &deleted, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Id, _ = uuid.Parse(idStr)
	rec.ContentId, _ = uuid.Parse(contentStr)
	rec.Actor = scanRef(aLocal, aRemote)
	rec.Kind = domain.InteractionKind(kind)
	rec.Body = body.String
	rec.DisplayName = displayName.String
	rec.MessageURI = msgURI.String
	rec.Deleted = deleted != 0
	return &rec, nil
}

func (db *DB) ReadInteractionByMessageURI(uri string) (*domain.InteractionRecord, error) {
	return db.scanInteraction(db.db.QueryRow(sqlSelectInteractionByMsg, uri).Scan)
}

func (db *DB) ReadInteractionsByContent(contentId uuid.UUID) ([]domain.InteractionRecord, error) {
	rows, err := db.db.Query(sqlSelectInteractionsByContent, contentId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.InteractionRecord
	for rows.Next() {
		rec, err := db.scanInteraction(rows.Scan)
		if err != nil {
			return recs, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeleteLikeByPair hard-deletes a like by (content, actor). Returns
// false when no like existed.
func (db *DB) DeleteLikeByPair(contentId uuid.UUID, actor domain.ActorRef) (bool, error) {
	deleted := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteLikeByPair, contentId.String(), actor.Key())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// RemoveInteractionByMessageURI removes the record created by the given
// message: hard delete for likes, soft delete for comments. Both run in
// one statement each inside the same transaction so a duplicate Delete
// cannot race a concurrent one.
func (db *DB) RemoveInteractionByMessageURI(uri string) (bool, error) {
	removed := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteInteractionByMsg, uri)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			removed = true
			return nil
		}
		res, err = tx.Exec(sqlSoftDeleteByMsg, uri)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}
