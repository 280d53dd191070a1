// Package sqlite implements search.Backend on a local SQLite database with an
// FTS5 full-text table, for running without a Meilisearch server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS documents (
    idx TEXT NOT NULL,
    id TEXT NOT NULL,
    doc TEXT NOT NULL,
    has_attachments INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (idx, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_attachments ON documents(idx, has_attachments);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    idx UNINDEXED,
    id UNINDEXED,
    subject,
    sender,
    recipients,
    body,
    attachments
);
`

// Backend is a search.Backend stored in one SQLite file. Several indexes
// share the file, keyed by the idx column.
type Backend struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// Upsert writes docs in one transaction. A document whose id is already
// present in the index replaces the stored one.
func (b *Backend) Upsert(ctx context.Context, index string, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (idx, id, doc, has_attachments) VALUES (?, ?, ?, ?)
		ON CONFLICT(idx, id) DO UPDATE SET
			doc = excluded.doc,
			has_attachments = excluded.has_attachments,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer func() { _ = upsert.Close() }()

	unindex, err := tx.PrepareContext(ctx, `DELETE FROM documents_fts WHERE idx = ? AND id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = unindex.Close() }()

	ftsInsert, err := tx.PrepareContext(ctx, `
		INSERT INTO documents_fts (idx, id, subject, sender, recipients, body, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = ftsInsert.Close() }()

	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", doc.ID, err)
		}
		if _, err := upsert.ExecContext(ctx, index, doc.ID, string(raw), doc.HasAttachments); err != nil {
			return fmt.Errorf("upsert %s: %w", doc.ID, err)
		}
		if _, err := unindex.ExecContext(ctx, index, doc.ID); err != nil {
			return fmt.Errorf("unindex %s: %w", doc.ID, err)
		}
		f := ftsFields(doc)
		if _, err := ftsInsert.ExecContext(ctx, index, doc.ID, f.subject, f.sender, f.recipients, f.body, f.attachments); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

type fields struct {
	subject, sender, recipients, body, attachments string
}

func ftsFields(doc model.Document) fields {
	recipients := make([]string, len(doc.Recipients))
	for i, r := range doc.Recipients {
		recipients[i] = r.String()
	}
	f := fields{
		subject:     doc.Subject,
		sender:      doc.Sender.String(),
		recipients:  strings.Join(recipients, ", "),
		attachments: strings.Join(doc.Attachments, " "),
	}
	if doc.Body != nil {
		f.body = doc.Body.Value
	}
	return f
}

// Search matches every term of q.Text. Results are ordered by id; an empty
// text lists the whole index.
func (b *Backend) Search(ctx context.Context, index string, q search.Query) (*search.Result, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	match := matchExpr(q.Text)
	from := `FROM documents d WHERE d.idx = ?`
	args := []any{index}
	if match != "" {
		from = `FROM documents d
			JOIN documents_fts ON documents_fts.idx = d.idx AND documents_fts.id = d.id
			WHERE d.idx = ? AND documents_fts MATCH ?`
		args = append(args, match)
	}
	if q.Filter.HasAttachments {
		from += ` AND d.has_attachments = 1`
	}

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT d.doc `+from+` ORDER BY d.id LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	res := &search.Result{Hits: make([]model.Document, 0, q.Limit), Total: total, Offset: q.Offset}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
		res.Hits = append(res.Hits, doc)
	}
	return res, rows.Err()
}

// matchExpr quotes every whitespace separated term so user input is never
// parsed as FTS5 query syntax. Terms are implicitly AND-ed.
func matchExpr(text string) string {
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
