package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	// Local accounts able to federate (signing identities)
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		web_public_key TEXT,
		web_private_key TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Local content interactions attach to; the full workout record is
	// owned by the ingestion pipeline, this layer only tracks identity,
	// ownership and visibility
	sqlCreateWorkoutsTable = `CREATE TABLE IF NOT EXISTS workouts (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		visibility TEXT DEFAULT 'public',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateWorkoutsIndices = `
		CREATE INDEX IF NOT EXISTS idx_workouts_user_id ON workouts(user_id);
	`

	// Remote actor cache
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		key_id TEXT,
		avatar_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// Follow relationships. Each side is a local id or a remote URI,
	// never both; the CHECK constraints back up what domain.ActorRef
	// already enforces in code.
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_local_id TEXT,
		follower_remote_uri TEXT,
		target_local_id TEXT,
		target_remote_uri TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		message_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		CHECK ((follower_local_id IS NULL) <> (follower_remote_uri IS NULL)),
		CHECK ((target_local_id IS NULL) <> (target_remote_uri IS NULL))
	)`

	sqlCreateFollowsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS ux_follows_pair ON follows(
			COALESCE(follower_local_id, follower_remote_uri),
			COALESCE(target_local_id, target_remote_uri)
		);
		CREATE INDEX IF NOT EXISTS idx_follows_message_uri ON follows(message_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target_local_id, status);
	`

	// Likes and comments on local content
	sqlCreateInteractionsTable = `CREATE TABLE IF NOT EXISTS interactions (
		id TEXT NOT NULL PRIMARY KEY,
		content_id TEXT NOT NULL,
		actor_local_id TEXT,
		actor_remote_uri TEXT,
		kind TEXT NOT NULL,
		body TEXT,
		display_name TEXT,
		message_uri TEXT,
		deleted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		CHECK ((actor_local_id IS NULL) <> (actor_remote_uri IS NULL))
	)`

	// message_uri dedupes at-least-once inbound delivery; the partial
	// index on likes enforces one like per (content, actor)
	sqlCreateInteractionsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS ux_interactions_message_uri ON interactions(message_uri)
			WHERE message_uri IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS ux_interactions_like ON interactions(
			content_id, COALESCE(actor_local_id, actor_remote_uri)
		) WHERE kind = 'like';
		CREATE INDEX IF NOT EXISTS idx_interactions_content_id ON interactions(content_id);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.createTableIfNotExists(tx, sqlCreateAccountsTable, "accounts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateWorkoutsTable, "workouts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateRemoteAccountsTable, "remote_accounts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateFollowsTable, "follows"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateInteractionsTable, "interactions"); err != nil {
			return err
		}

		if _, err := tx.Exec(sqlCreateWorkoutsIndices); err != nil {
			log.Warn("failed to create workouts indices", "err", err)
		}
		if _, err := tx.Exec(sqlCreateRemoteAccountsIndices); err != nil {
			log.Warn("failed to create remote_accounts indices", "err", err)
		}
		if _, err := tx.Exec(sqlCreateFollowsIndices); err != nil {
			log.Warn("failed to create follows indices", "err", err)
		}
		if _, err := tx.Exec(sqlCreateInteractionsIndices); err != nil {
			log.Warn("failed to create interactions indices", "err", err)
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Error("error creating table", "table", tableName, "err", err)
		return err
	}
	return nil
}
