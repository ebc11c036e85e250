package metadata

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/shirabe/internal/models"
)

const sqliteFormatVersion = "1"

// SQLiteCodec stores the rows as a SQLite database. Every Write builds a fresh database file
// in rollback-journal mode, so the finished file is self-contained and can be renamed.
type SQLiteCodec struct{}

func (SQLiteCodec) Format() string { return FormatSQLite }

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE chunks (
		position INTEGER PRIMARY KEY,
		chunk_id TEXT NOT NULL UNIQUE,
		document_id TEXT NOT NULL,
		text TEXT NOT NULL,
		content_fingerprint TEXT NOT NULL,
		title TEXT NOT NULL,
		section TEXT NOT NULL,
		authors TEXT NOT NULL,
		keywords TEXT NOT NULL,
		publication TEXT NOT NULL,
		pillar TEXT NOT NULL,
		topic TEXT NOT NULL,
		published_at TEXT NOT NULL,
		url TEXT NOT NULL
	);

	CREATE INDEX idx_chunks_document_id ON chunks(document_id);
	`
	_, err := db.Exec(schema)
	return err
}

// sqliteDSN returns a file: URI for path so that '?' and '#' in the path are not read as
// URI delimiters.
func sqliteDSN(path, mode string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path), RawQuery: "mode=" + mode}
	return u.String()
}

func (SQLiteCodec) Write(path string, rows []*models.Chunk) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale metadata file: %w", err)
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO chunks (position, chunk_id, document_id, text, content_fingerprint, title, section,
		 authors, keywords, publication, pillar, topic, published_at, url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, c := range rows {
		if _, err := stmt.Exec(i, c.ChunkID, c.DocumentID, c.Text, c.Fingerprint, c.Title, c.Section,
			c.Authors, c.Keywords, c.Publication, c.Pillar, c.Topic,
			c.PublishedAt.UTC().Format(time.RFC3339Nano), c.URL); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('version', ?), ('count', ?)`,
		sqliteFormatVersion, strconv.Itoa(len(rows))); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return tx.Commit()
}

func (SQLiteCodec) Read(path string) ([]*models.Chunk, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	meta := make(map[string]string)
	mrows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, corrupt(path, "read meta table", err)
	}
	for mrows.Next() {
		var k, v string
		if err := mrows.Scan(&k, &v); err != nil {
			mrows.Close()
			return nil, corrupt(path, "read meta table", err)
		}
		meta[k] = v
	}
	mrows.Close()
	if meta["version"] != sqliteFormatVersion {
		return nil, corrupt(path, fmt.Sprintf("unsupported format version %q", meta["version"]), nil)
	}
	count, err := strconv.Atoi(meta["count"])
	if err != nil || count < 0 {
		return nil, corrupt(path, fmt.Sprintf("bad row count %q", meta["count"]), err)
	}

	rs, err := db.Query(
		`SELECT position, chunk_id, document_id, text, content_fingerprint, title, section,
		 authors, keywords, publication, pillar, topic, published_at, url
		 FROM chunks ORDER BY position`,
	)
	if err != nil {
		return nil, corrupt(path, "read chunks table", err)
	}
	defer rs.Close()

	out := make([]*models.Chunk, 0, min(count, 1<<16))
	for rs.Next() {
		var c models.Chunk
		var pos int
		var published string
		if err := rs.Scan(&pos, &c.ChunkID, &c.DocumentID, &c.Text, &c.Fingerprint, &c.Title, &c.Section,
			&c.Authors, &c.Keywords, &c.Publication, &c.Pillar, &c.Topic, &published, &c.URL); err != nil {
			return nil, corrupt(path, "scan row", err)
		}
		if pos != len(out) {
			return nil, corrupt(path, fmt.Sprintf("gap in positions at %d", len(out)), nil)
		}
		if c.PublishedAt, err = time.Parse(time.RFC3339Nano, published); err != nil {
			return nil, corrupt(path, fmt.Sprintf("row %d published_at", pos), err)
		}
		if err := c.Validate(); err != nil {
			return nil, corrupt(path, fmt.Sprintf("row %d", pos), err)
		}
		out = append(out, &c)
	}
	if err := rs.Err(); err != nil {
		return nil, corrupt(path, "read chunks table", err)
	}
	if len(out) != count {
		return nil, corrupt(path, fmt.Sprintf("meta declares %d rows, found %d", count, len(out)), nil)
	}
	return out, nil
}
