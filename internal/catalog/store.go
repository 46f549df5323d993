// Package catalog owns the metadata side of the dual-store model: the SQLite
// catalog of collections and the file registry, plus the service that keeps
// catalog rows and vector collections consistent.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is the SQLite-backed metadata catalog.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "open catalog database")
	}
	// modernc.org/sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "create migrations sub filesystem")
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "create migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "apply migrations")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// ── Collections ──────────────────────────────────────────────

const collectionColumns = `id, name, owner, description, visibility, creation_date, embeddings_model, vector_uuid`

// InsertCollection persists a new collection row and fills in its ID.
// A (name, owner) duplicate is a Conflict.
func (s *Store) InsertCollection(ctx context.Context, col *models.Collection) error {
	descJSON, err := json.Marshal(col.EmbeddingsModel)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "encode embeddings descriptor")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (name, owner, description, visibility, creation_date, embeddings_model, vector_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		col.Name, col.Owner, col.Description, col.Visibility, col.CreationDate.UTC(), string(descJSON), col.VectorUUID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return kberr.New(kberr.Conflict, "collection %q already exists for owner %q", col.Name, col.Owner)
		}
		return kberr.Wrap(kberr.StorageError, err, "insert collection")
	}
	col.ID, err = res.LastInsertId()
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "get collection id")
	}
	return nil
}

func scanCollection(row interface{ Scan(...any) error }) (models.Collection, error) {
	var col models.Collection
	var descJSON string
	err := row.Scan(&col.ID, &col.Name, &col.Owner, &col.Description, &col.Visibility,
		&col.CreationDate, &descJSON, &col.VectorUUID)
	if err != nil {
		return col, err
	}
	if err := json.Unmarshal([]byte(descJSON), &col.EmbeddingsModel); err != nil {
		return col, fmt.Errorf("decode embeddings descriptor: %w", err)
	}
	return col, nil
}

// GetCollection fetches one collection by id.
func (s *Store) GetCollection(ctx context.Context, id int64) (models.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	col, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return col, kberr.New(kberr.NotFound, "collection %d not found", id)
	}
	if err != nil {
		return col, kberr.Wrap(kberr.StorageError, err, "get collection %d", id)
	}
	return col, nil
}

// GetCollectionByName fetches one collection by its (owner, name) pair.
func (s *Store) GetCollectionByName(ctx context.Context, owner, name string) (models.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE owner = ? AND name = ?`, owner, name)
	col, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return col, kberr.New(kberr.NotFound, "collection %q not found for owner %q", name, owner)
	}
	if err != nil {
		return col, kberr.Wrap(kberr.StorageError, err, "get collection %q", name)
	}
	return col, nil
}

// ListCollections returns a page of collections, oldest first. Empty owner or
// visibility filters match everything. Filtering happens in SQL so Total and
// the page reflect the filtered set.
func (s *Store) ListCollections(ctx context.Context, owner, visibility string, offset, limit int) (models.CollectionList, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var list models.CollectionList
	where, args := "", []any{}
	if owner != "" {
		where += ` WHERE owner = ?`
		args = append(args, owner)
	}
	if visibility != "" {
		if where == "" {
			where = ` WHERE visibility = ?`
		} else {
			where += ` AND visibility = ?`
		}
		args = append(args, visibility)
	}
	countQ := `SELECT COUNT(*) FROM collections` + where
	listQ := `SELECT ` + collectionColumns + ` FROM collections` + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&list.Total); err != nil {
		return list, kberr.Wrap(kberr.StorageError, err, "count collections")
	}

	listQ += ` ORDER BY id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, listQ, append(args, limit, offset)...)
	if err != nil {
		return list, kberr.Wrap(kberr.StorageError, err, "list collections")
	}
	defer rows.Close()

	list.Items = []models.Collection{}
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return list, kberr.Wrap(kberr.StorageError, err, "scan collection")
		}
		list.Items = append(list.Items, col)
	}
	if err := rows.Err(); err != nil {
		return list, kberr.Wrap(kberr.StorageError, err, "iterate collections")
	}
	return list, nil
}

// UpdateCollection rewrites the mutable fields of a collection row.
// A (name, owner) duplicate is a Conflict.
func (s *Store) UpdateCollection(ctx context.Context, col models.Collection) error {
	descJSON, err := json.Marshal(col.EmbeddingsModel)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "encode embeddings descriptor")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET name = ?, description = ?, visibility = ?, embeddings_model = ? WHERE id = ?`,
		col.Name, col.Description, col.Visibility, string(descJSON), col.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return kberr.New(kberr.Conflict, "collection %q already exists for owner %q", col.Name, col.Owner)
		}
		return kberr.Wrap(kberr.StorageError, err, "update collection %d", col.ID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kberr.New(kberr.NotFound, "collection %d not found", col.ID)
	}
	return nil
}

// DeleteCollection removes a collection row; file registry rows cascade.
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "delete collection %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kberr.New(kberr.NotFound, "collection %d not found", id)
	}
	return nil
}

// ── File registry ────────────────────────────────────────────

const fileColumns = `id, collection_id, original_filename, file_path, file_url, file_size,
	content_type, plugin_name, plugin_params, status, document_count, created_at, updated_at, owner`

// InsertFile records a new ingestion job, normally in status processing.
func (s *Store) InsertFile(ctx context.Context, entry *models.FileRegistryEntry) error {
	paramsJSON, err := json.Marshal(entry.PluginParams)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "encode plugin params")
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO file_registry (collection_id, original_filename, file_path, file_url, file_size,
			content_type, plugin_name, plugin_params, status, document_count, created_at, updated_at, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CollectionID, entry.OriginalFilename, entry.FilePath, entry.FileURL, entry.FileSize,
		entry.ContentType, entry.PluginName, string(paramsJSON), string(entry.Status),
		entry.DocumentCount, entry.CreatedAt, entry.UpdatedAt, entry.Owner,
	)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "insert file registry entry")
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "get file registry id")
	}
	return nil
}

func scanFile(row interface{ Scan(...any) error }) (models.FileRegistryEntry, error) {
	var e models.FileRegistryEntry
	var paramsJSON, status string
	err := row.Scan(&e.ID, &e.CollectionID, &e.OriginalFilename, &e.FilePath, &e.FileURL, &e.FileSize,
		&e.ContentType, &e.PluginName, &paramsJSON, &status, &e.DocumentCount, &e.CreatedAt, &e.UpdatedAt, &e.Owner)
	if err != nil {
		return e, err
	}
	e.Status = models.FileStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &e.PluginParams); err != nil {
		return e, fmt.Errorf("decode plugin params: %w", err)
	}
	return e, nil
}

// GetFile fetches one file registry entry.
func (s *Store) GetFile(ctx context.Context, id int64) (models.FileRegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_registry WHERE id = ?`, id)
	e, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, kberr.New(kberr.NotFound, "file %d not found", id)
	}
	if err != nil {
		return e, kberr.Wrap(kberr.StorageError, err, "get file %d", id)
	}
	return e, nil
}

// ListFiles returns a collection's registry entries, optionally filtered to
// one status. Deleted entries are excluded unless asked for explicitly.
func (s *Store) ListFiles(ctx context.Context, collectionID int64, status models.FileStatus) ([]models.FileRegistryEntry, error) {
	q := `SELECT ` + fileColumns + ` FROM file_registry WHERE collection_id = ?`
	args := []any{collectionID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	} else {
		q += ` AND status != ?`
		args = append(args, string(models.FileStatusDeleted))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "list files for collection %d", collectionID)
	}
	defer rows.Close()

	entries := []models.FileRegistryEntry{}
	for rows.Next() {
		e, err := scanFile(rows)
		if err != nil {
			return nil, kberr.Wrap(kberr.StorageError, err, "scan file entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(kberr.StorageError, err, "iterate files")
	}
	return entries, nil
}

// DeleteFile removes a file registry row outright (hard delete). Soft
// deletes go through UpdateFileStatus instead.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_registry WHERE id = ?`, id)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "delete file %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kberr.New(kberr.NotFound, "file %d not found", id)
	}
	return nil
}

// UpdateFileStatus transitions a file entry and records its chunk count.
func (s *Store) UpdateFileStatus(ctx context.Context, id int64, status models.FileStatus, documentCount int) error {
	if !models.ValidFileStatus(status) {
		return kberr.New(kberr.BadInput, "invalid file status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_registry SET status = ?, document_count = ?, updated_at = ? WHERE id = ?`,
		string(status), documentCount, time.Now().UTC(), id,
	)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "update file %d status", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kberr.New(kberr.NotFound, "file %d not found", id)
	}
	return nil
}
