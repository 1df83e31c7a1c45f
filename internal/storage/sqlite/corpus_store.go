// Package sqlite implements storage.CorpusStore on an embedded SQLite
// database (modernc.org/sqlite). Embeddings are stored as little-endian
// float32 BLOBs; there is no native vector index, so the in-memory indexes
// are rebuilt from this store at startup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

var _ storage.CorpusStore = (*CorpusStore)(nil)

// maxInArgs bounds the number of placeholders in one IN (...) list.
const maxInArgs = 500

// CorpusStore implements storage.CorpusStore using SQLite.
type CorpusStore struct {
	db        *sql.DB
	dimension int
	path      string // database file, "" when in memory
	logger    zerolog.Logger
}

// NewCorpusStore opens the database at dsn and creates the schema. dimension
// is the embedding width every SetEmbedding must match.
func NewCorpusStore(dsn string, dimension int, logger zerolog.Logger) (*CorpusStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// One connection serialises writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &CorpusStore{db: db, dimension: dimension, path: filePath(dsn), logger: logger}, nil
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *CorpusStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *CorpusStore) Close() error {
	return s.db.Close()
}

// PutEntity creates or updates an entity (upsert by ID).
func (s *CorpusStore) PutEntity(ctx context.Context, entity *types.Entity) error {
	if err := storage.ValidateEntity(entity); err != nil {
		return err
	}

	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	entity.Region = strings.ToUpper(strings.TrimSpace(entity.Region))

	query := `
		INSERT INTO entities (
			id, display_name, city, region, aum, aum_normalized,
			private_fund_count, private_fund_aum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			city = excluded.city,
			region = excluded.region,
			aum = excluded.aum,
			aum_normalized = excluded.aum_normalized,
			private_fund_count = excluded.private_fund_count,
			private_fund_aum = excluded.private_fund_aum,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		entity.ID,
		entity.DisplayName,
		entity.City,
		entity.Region,
		nullableFloat(entity.AUM),
		entity.AUMNormalized,
		entity.PrivateFundCount,
		entity.PrivateFundAUM,
		entity.CreatedAt,
		entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store entity %d: %w", entity.ID, err)
	}
	return nil
}

const entityColumns = `id, display_name, city, region, aum, aum_normalized,
	private_fund_count, private_fund_aum, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e   types.Entity
		aum sql.NullFloat64
	)
	if err := row.Scan(
		&e.ID, &e.DisplayName, &e.City, &e.Region, &aum, &e.AUMNormalized,
		&e.PrivateFundCount, &e.PrivateFundAUM, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if aum.Valid {
		v := aum.Float64
		e.AUM = &v
	}
	return &e, nil
}

// GetEntity retrieves an entity by ID.
func (s *CorpusStore) GetEntity(ctx context.Context, id int64) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get entity %d: %w", id, err)
	}
	return e, nil
}

// GetEntities retrieves the entities that exist among ids.
func (s *CorpusStore) GetEntities(ctx context.Context, ids []int64) (map[int64]*types.Entity, error) {
	out := make(map[int64]*types.Entity, len(ids))
	for start := 0; start < len(ids); start += maxInArgs {
		chunk := ids[start:min(start+maxInArgs, len(ids))]
		placeholders, args := inList(chunk)
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to get entities: %w", err)
		}
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
			}
			out[e.ID] = e
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to iterate entities: %w", err)
		}
	}
	return out, nil
}

// DeleteEntity removes an entity and its narrative in one transaction.
func (s *CorpusStore) DeleteEntity(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var affected int64
	for _, q := range []string{
		`DELETE FROM narratives WHERE entity_id = ?`,
		`DELETE FROM entities WHERE id = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, id)
		if err != nil {
			return fmt.Errorf("sqlite: failed to delete entity %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit delete: %w", err)
	}
	return nil
}

// PutNarrative creates or replaces the narrative for an entity. The entity
// must exist. A changed text clears the stored embedding.
func (s *CorpusStore) PutNarrative(ctx context.Context, narrative *types.Narrative) error {
	if err := storage.ValidateNarrative(narrative); err != nil {
		return err
	}

	now := time.Now().UTC()
	if narrative.CreatedAt.IsZero() {
		narrative.CreatedAt = now
	}
	narrative.UpdatedAt = now
	narrative.TextHash = types.TextHash(narrative.Text)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM entities WHERE id = ?`, narrative.EntityID).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: failed to check entity %d: %w", narrative.EntityID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: entity %d", storage.ErrNotFound, narrative.EntityID)
	}

	query := `
		INSERT INTO narratives (entity_id, narrative_text, text_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			narrative_text = excluded.narrative_text,
			embedding = CASE WHEN narratives.text_hash = excluded.text_hash THEN narratives.embedding ELSE NULL END,
			embedding_dim = CASE WHEN narratives.text_hash = excluded.text_hash THEN narratives.embedding_dim ELSE NULL END,
			embedding_model = CASE WHEN narratives.text_hash = excluded.text_hash THEN narratives.embedding_model ELSE NULL END,
			text_hash = excluded.text_hash,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		narrative.EntityID, narrative.Text, narrative.TextHash, narrative.CreatedAt, narrative.UpdatedAt,
	); err != nil {
		return fmt.Errorf("sqlite: failed to store narrative %d: %w", narrative.EntityID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit narrative: %w", err)
	}
	return nil
}

const narrativeColumns = `entity_id, narrative_text, text_hash, embedding, embedding_dim,
	embedding_model, created_at, updated_at`

func scanNarrative(row rowScanner) (*types.Narrative, error) {
	var (
		n     types.Narrative
		blob  []byte
		dim   sql.NullInt64
		model sql.NullString
	)
	if err := row.Scan(&n.EntityID, &n.Text, &n.TextHash, &blob, &dim, &model, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if blob != nil && dim.Valid {
		vec, err := deserializeEmbedding(blob, int(dim.Int64))
		if err != nil {
			return nil, fmt.Errorf("narrative %d: %w", n.EntityID, err)
		}
		n.Embedding = vec
		n.EmbeddingModel = model.String
	}
	return &n, nil
}

func (s *CorpusStore) queryNarratives(ctx context.Context, query string, args ...any) ([]*types.Narrative, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query narratives: %w", err)
	}
	defer rows.Close()

	var out []*types.Narrative
	for rows.Next() {
		n, err := scanNarrative(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan narrative: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate narratives: %w", err)
	}
	return out, nil
}

// GetNarrative retrieves the narrative for an entity.
func (s *CorpusStore) GetNarrative(ctx context.Context, entityID int64) (*types.Narrative, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+narrativeColumns+` FROM narratives WHERE entity_id = ?`, entityID)
	n, err := scanNarrative(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get narrative %d: %w", entityID, err)
	}
	return n, nil
}

// GetNarratives retrieves the narratives that exist among entityIDs.
func (s *CorpusStore) GetNarratives(ctx context.Context, entityIDs []int64) (map[int64]*types.Narrative, error) {
	out := make(map[int64]*types.Narrative, len(entityIDs))
	for start := 0; start < len(entityIDs); start += maxInArgs {
		chunk := entityIDs[start:min(start+maxInArgs, len(entityIDs))]
		placeholders, args := inList(chunk)
		list, err := s.queryNarratives(ctx,
			`SELECT `+narrativeColumns+` FROM narratives WHERE entity_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for _, n := range list {
			out[n.EntityID] = n
		}
	}
	return out, nil
}

// EmbeddingBacklog returns narratives without an embedding after the cursor.
func (s *CorpusStore) EmbeddingBacklog(ctx context.Context, opts storage.BacklogOptions) ([]*types.Narrative, error) {
	opts.Normalize()
	if err := opts.Partition.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT ` + narrativeColumns + ` FROM narratives WHERE embedding IS NULL AND entity_id > ?`
	args := []any{opts.After}
	if opts.Partition.Enabled() {
		query += ` AND entity_id % ? = ?`
		args = append(args, opts.Partition.Count, opts.Partition.Index)
	}
	query += ` ORDER BY entity_id ASC LIMIT ?`
	args = append(args, opts.Limit)

	return s.queryNarratives(ctx, query, args...)
}

// SetEmbedding replaces one narrative's embedding in a single statement.
func (s *CorpusStore) SetEmbedding(ctx context.Context, update storage.EmbeddingUpdate) error {
	if err := update.Validate(s.dimension); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE narratives
		SET embedding = ?, embedding_dim = ?, embedding_model = ?, updated_at = ?
		WHERE entity_id = ? AND (? = '' OR text_hash = ?)`,
		serializeEmbedding(update.Vector), len(update.Vector), update.Model, time.Now().UTC(),
		update.EntityID, update.TextHash, update.TextHash,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set embedding %d: %w", update.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT text_hash FROM narratives WHERE entity_id = ?`, update.EntityID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to check narrative %d: %w", update.EntityID, err)
	}
	return storage.ErrStaleNarrative
}

// ScanEntities pages through entities by ascending ID.
func (s *CorpusStore) ScanEntities(ctx context.Context, after int64, limit int) ([]*types.Entity, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entities: %w", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScanNarratives pages through narratives by ascending entity ID.
func (s *CorpusStore) ScanNarratives(ctx context.Context, after int64, limit int) ([]*types.Narrative, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryNarratives(ctx,
		`SELECT `+narrativeColumns+` FROM narratives WHERE entity_id > ? ORDER BY entity_id ASC LIMIT ?`, after, limit)
}

// CorrectAUMUnits multiplies AUM on records not yet marked normalized.
func (s *CorpusStore) CorrectAUMUnits(ctx context.Context, multiplier float64) (int, error) {
	if multiplier <= 0 {
		return 0, fmt.Errorf("%w: multiplier must be positive", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET aum = aum * ?, aum_normalized = 1, updated_at = ?
		WHERE aum_normalized = 0 AND aum IS NOT NULL`,
		multiplier, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to correct AUM units: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearEmbeddings nulls every stored embedding.
func (s *CorpusStore) ClearEmbeddings(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE narratives SET embedding = NULL, embedding_dim = NULL, embedding_model = NULL
		WHERE embedding IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to clear embeddings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns corpus counts.
func (s *CorpusStore) Stats(ctx context.Context) (*storage.Stats, error) {
	var st storage.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM narratives),
			(SELECT COUNT(*) FROM narratives WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM narratives WHERE embedding IS NULL),
			(SELECT COUNT(*) FROM narratives WHERE TRIM(narrative_text) = ''),
			(SELECT COUNT(*) FROM entities WHERE aum_normalized = 0 AND aum IS NOT NULL)
	`).Scan(&st.Entities, &st.Narratives, &st.Embedded, &st.MissingEmbeddings, &st.BlankNarratives, &st.UncorrectedAUM)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to compute stats: %w", err)
	}
	return &st, nil
}

func inList(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Checkpoint moves the write-ahead log into the database file and truncates
// it. Bulk loads and embedding passes call it so the -wal file does not keep
// growing with every batch they wrote.
func (s *CorpusStore) Checkpoint(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	var busy, walPages, moved int
	err := s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &walPages, &moved)
	if err != nil {
		return fmt.Errorf("sqlite: checkpoint %s: %w", s.path, err)
	}
	if busy != 0 {
		s.logger.Warn().Str("path", s.path).Int("wal_pages", walPages).Msg("sqlite: checkpoint blocked by a reader, log kept")
		return nil
	}
	s.logger.Debug().Str("path", s.path).Int("pages", moved).Msg("sqlite: log checkpointed")
	return nil
}

// filePath returns the database file named by dsn, or "" for an in-memory
// database.
func filePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}
