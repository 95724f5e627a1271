package store

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id                   TEXT PRIMARY KEY,
	owner                TEXT NOT NULL,
	provider             TEXT NOT NULL,
	calendar_id          TEXT NOT NULL,
	calendar_name        TEXT NOT NULL DEFAULT '',
	direction            TEXT NOT NULL DEFAULT 'bidirectional',
	status               TEXT NOT NULL DEFAULT 'pending',
	credential           BLOB,
	key_version          INTEGER NOT NULL DEFAULT 0,
	credential_issued_at TIMESTAMP,
	credential_expiry    TIMESTAMP,
	local_cursor         TEXT NOT NULL DEFAULT '',
	remote_cursor        TEXT NOT NULL DEFAULT '',
	failures             INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (owner, provider, calendar_id)
);

CREATE TABLE IF NOT EXISTS event_mappings (
	connection_id     TEXT NOT NULL REFERENCES connections(id),
	entity_type       TEXT NOT NULL,
	entity_id         TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	etag              TEXT NOT NULL DEFAULT '',
	content_hash      TEXT NOT NULL DEFAULT '',
	base_event        BLOB,
	local_updated_at  TIMESTAMP,
	remote_updated_at TIMESTAMP,
	deleted_at        TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (connection_id, entity_type, entity_id),
	UNIQUE (connection_id, external_id)
);

CREATE TABLE IF NOT EXISTS conflict_records (
	id              TEXT PRIMARY KEY,
	connection_id   TEXT NOT NULL REFERENCES connections(id),
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	local_snapshot  BLOB,
	remote_snapshot BLOB,
	detected_at     TIMESTAMP NOT NULL,
	strategy        TEXT NOT NULL,
	outcome         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'resolved',
	manual_review   INTEGER NOT NULL DEFAULT 0,
	resolved_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conflicts_pending
	ON conflict_records (connection_id, status);

CREATE TABLE IF NOT EXISTS idempotency_entries (
	op_key        TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	result        BLOB NOT NULL,
	expires_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
	ON idempotency_entries (expires_at);

CREATE TABLE IF NOT EXISTS feed_tokens (
	token_hash   TEXT PRIMARY KEY,
	owner        TEXT NOT NULL,
	entity_types TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	revoked_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS care_entities (
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	owner            TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	starts_at        TIMESTAMP,
	ends_at          TIMESTAMP,
	all_day          INTEGER NOT NULL DEFAULT 0,
	reminder_minutes TEXT NOT NULL DEFAULT '',
	recurrence       TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL,
	deleted          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS entity_changes (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0,
	changed_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS local_calendar_events (
	calendar_id TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	payload     BLOB NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL,
	seq         INTEGER NOT NULL,
	PRIMARY KEY (calendar_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_local_calendar_seq
	ON local_calendar_events (calendar_id, seq);
`
