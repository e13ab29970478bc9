// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	_ "github.com/marcboeker/go-duckdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS subjobs (
	subjob VARCHAR PRIMARY KEY,
	state VARCHAR NOT NULL,
	attempts INTEGER NOT NULL,
	backend VARCHAR,
	handle VARCHAR,
	batch VARCHAR,
	seq INTEGER,
	handle_subjobs VARCHAR,
	submitted TIMESTAMP,
	reason VARCHAR,
	updated TIMESTAMP
);
CREATE TABLE IF NOT EXISTS meta (
	key VARCHAR PRIMARY KEY,
	value VARCHAR NOT NULL
);
`

const upsertRecord = `
INSERT INTO subjobs (subjob, state, attempts, backend, handle, batch, seq, handle_subjobs, submitted, reason, updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subjob) DO UPDATE SET
	state = excluded.state,
	attempts = excluded.attempts,
	backend = excluded.backend,
	handle = excluded.handle,
	batch = excluded.batch,
	seq = excluded.seq,
	handle_subjobs = excluded.handle_subjobs,
	submitted = excluded.submitted,
	reason = excluded.reason,
	updated = excluded.updated;
`

const fingerprintKey = "plan_fingerprint"

// DuckDB is a ledger stored in a DuckDB database file.
type DuckDB struct {
	db   *sql.DB
	path string
}

// OpenDuckDB opens (creating if needed) the DuckDB ledger at the
// provided path.
func OpenDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.E(errors.Invalid, "ledger", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.E("ledger", path, err)
	}
	log.Debug.Printf("ledger: opened %s", path)
	return &DuckDB{db: db, path: path}, nil
}

// Load implements Ledger.
func (l *DuckDB) Load(ctx context.Context) ([]bigdock.Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT subjob, state, attempts, backend, handle, batch, seq, handle_subjobs, submitted, reason, updated
		FROM subjobs ORDER BY subjob`)
	if err != nil {
		return nil, errors.E("ledger", l.path, err)
	}
	defer rows.Close()
	var records []bigdock.Record
	for rows.Next() {
		var (
			r                        bigdock.Record
			state                    string
			backend, id, batch, subs sql.NullString
			reason                   sql.NullString
			seq                      sql.NullInt64
			submitted, updated       sql.NullTime
		)
		if err := rows.Scan(&r.Subjob, &state, &r.Attempts, &backend, &id, &batch, &seq, &subs, &submitted, &reason, &updated); err != nil {
			return nil, errors.E("ledger", l.path, err)
		}
		if r.State, err = bigdock.ParseState(state); err != nil {
			return nil, errors.E(errors.Integrity, "ledger", l.path, r.Subjob, err)
		}
		r.Handle = bigdock.Handle{
			Backend:   backend.String,
			ID:        id.String,
			Batch:     batch.String,
			Seq:       int(seq.Int64),
			Submitted: submitted.Time,
		}
		if subs.String != "" {
			if err := json.Unmarshal([]byte(subs.String), &r.Handle.Subjobs); err != nil {
				return nil, errors.E(errors.Integrity, "ledger", l.path, r.Subjob, err)
			}
		}
		r.Reason = reason.String
		r.Updated = updated.Time
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E("ledger", l.path, err)
	}
	return records, nil
}

// Put implements Ledger. Records are stored in a single transaction.
func (l *DuckDB) Put(ctx context.Context, records ...bigdock.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E("ledger", l.path, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, upsertRecord)
	if err != nil {
		return errors.E("ledger", l.path, err)
	}
	defer stmt.Close()
	for _, r := range records {
		var subs []byte
		if len(r.Handle.Subjobs) > 0 {
			if subs, err = json.Marshal(r.Handle.Subjobs); err != nil {
				return err
			}
		}
		_, err = stmt.ExecContext(ctx,
			r.Subjob, r.State.String(), r.Attempts,
			nullString(r.Handle.Backend), nullString(r.Handle.ID), nullString(r.Handle.Batch),
			r.Handle.Seq, nullString(string(subs)), nullTime(r.Handle.Submitted),
			nullString(r.Reason), nullTime(r.Updated),
		)
		if err != nil {
			return errors.E("ledger", l.path, r.Subjob, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.E("ledger", l.path, err)
	}
	return nil
}

// Fingerprint implements Ledger.
func (l *DuckDB) Fingerprint(ctx context.Context) (string, error) {
	var fp string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, fingerprintKey).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.E("ledger", l.path, err)
	}
	return fp, nil
}

// SetFingerprint implements Ledger.
func (l *DuckDB) SetFingerprint(ctx context.Context, fp string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, fingerprintKey, fp)
	if err != nil {
		return errors.E("ledger", l.path, err)
	}
	return nil
}

// Close implements Ledger.
func (l *DuckDB) Close() error {
	return l.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
