package ffpostgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flags (
	key        text PRIMARY KEY,
	doc        jsonb NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS flag_audit (
	seq      bigserial PRIMARY KEY,
	id       uuid NOT NULL UNIQUE,
	actor    text NOT NULL,
	action   text NOT NULL,
	flag_key text NOT NULL,
	at       timestamptz NOT NULL,
	before   jsonb,
	after    jsonb
);

CREATE INDEX IF NOT EXISTS flag_audit_flag_key ON flag_audit (flag_key);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}
