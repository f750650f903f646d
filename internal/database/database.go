package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sessionchat/internal/migrations"
	"sessionchat/internal/models"
	"sessionchat/internal/security"
)

// Database is the SQLite record store. Each record is an opaque versioned
// body keyed by (collection, id); writes replace the prior body atomically.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// Options controls how the store is opened.
type Options struct {
	// Encrypt enables AES-GCM encryption of record bodies at rest.
	Encrypt bool
}

func New(dbPath string, opts Options) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := migrations.Apply(context.Background(), db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := NewEncryptor(opts.Encrypt)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// AppendOrUpdate inserts rec or replaces the stored body for its key.
func (d *Database) AppendOrUpdate(ctx context.Context, rec models.StoredRecord) error {
	if rec.Collection == "" || rec.ID == "" {
		return fmt.Errorf("record collection and id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	body, err := d.encryptor.Encrypt(rec.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt record body: %w", err)
	}

	query := `
		INSERT INTO records (collection, id, schema_version, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			schema_version = excluded.schema_version,
			body = excluded.body,
			updated_at = excluded.updated_at
	`

	return withRetry(ctx, "save record", func() error {
		_, err := d.db.ExecContext(ctx, query, rec.Collection, rec.ID, rec.SchemaVersion, body, rec.UpdatedAt.UnixMilli())
		return err
	})
}

// Get returns the record or nil when it does not exist.
func (d *Database) Get(ctx context.Context, collection, id string) (*models.StoredRecord, error) {
	query := `
		SELECT collection, id, schema_version, body, updated_at
		FROM records
		WHERE collection = ? AND id = ?
	`

	rec, err := d.scanRecord(d.db.QueryRowContext(ctx, query, collection, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// LoadAll returns every record of a collection ordered by last update.
func (d *Database) LoadAll(ctx context.Context, collection string) ([]models.StoredRecord, error) {
	query := `
		SELECT collection, id, schema_version, body, updated_at
		FROM records
		WHERE collection = ?
		ORDER BY updated_at ASC, id ASC
	`

	rows, err := d.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var out []models.StoredRecord
	for rows.Next() {
		rec, err := d.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (d *Database) Delete(ctx context.Context, collection, id string) error {
	return withRetry(ctx, "delete record", func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
		return err
	})
}

// DeleteOlderThan removes records of a collection last updated before cutoff.
func (d *Database) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int64, error) {
	var affected int64
	err := withRetry(ctx, "cleanup records", func() error {
		res, err := d.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND updated_at < ?`, collection, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanRecord(row rowScanner) (*models.StoredRecord, error) {
	var rec models.StoredRecord
	var body []byte
	var updated int64
	if err := row.Scan(&rec.Collection, &rec.ID, &rec.SchemaVersion, &body, &updated); err != nil {
		return nil, err
	}

	plain, err := d.encryptor.Decrypt(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	rec.Body = plain
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}
