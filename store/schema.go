package store

// schemaDDL bootstraps the primary schema. Statements are idempotent so a
// restart against an existing database is a no-op.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS instrument (
		id           BIGINT PRIMARY KEY,
		name         TEXT NOT NULL,
		commissioned BOOLEAN NOT NULL DEFAULT TRUE,
		meta         JSONB,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS raw_measurement (
		id            UUID PRIMARY KEY,
		endpoint      TEXT NOT NULL,
		instrument_id BIGINT NOT NULL,
		payload       JSONB NOT NULL,
		window_from   TIMESTAMPTZ NOT NULL,
		window_to     TIMESTAMPTZ NOT NULL,
		fetched_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS voltage_mean_30m (
		instrument_id BIGINT NOT NULL,
		ts_utc        TIMESTAMPTZ NOT NULL,
		phase         TEXT NOT NULL,
		value         DOUBLE PRECISION NOT NULL,
		unit          TEXT NOT NULL DEFAULT 'V',
		ingested_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (instrument_id, ts_utc, phase)
	)`,
	`CREATE TABLE IF NOT EXISTS current_mean_30m (
		instrument_id BIGINT NOT NULL,
		ts_utc        TIMESTAMPTZ NOT NULL,
		phase         TEXT NOT NULL,
		value         DOUBLE PRECISION NOT NULL,
		unit          TEXT NOT NULL DEFAULT 'A',
		ingested_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (instrument_id, ts_utc, phase)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_measurement_fetched_at_idx
		ON raw_measurement (fetched_at)`,
}

const upsertInstrumentSQL = `
	INSERT INTO instrument (id, name, commissioned, meta, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (id) DO UPDATE SET
		name         = EXCLUDED.name,
		commissioned = EXCLUDED.commissioned,
		meta         = EXCLUDED.meta,
		updated_at   = now()`

const selectInstrumentIDsSQL = `
	SELECT id FROM instrument WHERE commissioned ORDER BY id`

const insertRawSQL = `
	INSERT INTO raw_measurement (id, endpoint, instrument_id, payload, window_from, window_to, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

const upsertSilverSQLTemplate = `
	INSERT INTO %s (instrument_id, ts_utc, phase, value, unit, ingested_at)
	VALUES ($1, $2, $3, $4, $5, now())
	ON CONFLICT (instrument_id, ts_utc, phase) DO UPDATE SET
		value       = EXCLUDED.value,
		unit        = EXCLUDED.unit,
		ingested_at = now()`
