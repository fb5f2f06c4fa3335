package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  id           uuid PRIMARY KEY,
  filename     text NOT NULL,
  content_type text NOT NULL DEFAULT '',
  file_url     text NOT NULL DEFAULT '',
  title        text NOT NULL DEFAULT '',
  summary      text NOT NULL DEFAULT '',
  keywords     text[] NOT NULL DEFAULT '{}',
  created_at   timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
  seq         bigserial PRIMARY KEY,
  id          uuid NOT NULL UNIQUE,
  doc_id      uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  chunk_index integer NOT NULL,
  content     text NOT NULL,
  metadata    jsonb NOT NULL DEFAULT '{}',
  embedding   vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS chunks_doc_id_idx ON chunks (doc_id);

CREATE TABLE IF NOT EXISTS document_assets (
  id           uuid PRIMARY KEY,
  doc_id       uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  kind         text NOT NULL CHECK (kind IN ('pdf_image', 'docx_image')),
  page_index   integer,
  image_index  integer NOT NULL,
  url          text NOT NULL,
  content_type text NOT NULL,
  metadata     jsonb NOT NULL DEFAULT '{}',
  created_at   timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS document_assets_position_idx
  ON document_assets (doc_id, COALESCE(page_index, -1), image_index);
`

// PostgresStorage implements Store on Postgres with the pgvector extension.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPostgresStorage connects to Postgres and verifies the connection,
// retrying with exponential backoff.
func NewPostgresStorage(ctx context.Context, dsn string, dimension int) (*PostgresStorage, error) {
	if dimension <= 0 {
		dimension = DefaultVectorDimension
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool, dimension: dimension}
	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, d time.Duration) {
		slog.Warn("postgres ping failed, retrying", "error", err, "backoff", d)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(newBackoff(), ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", ErrVectorStore, err)
	}
	return s, nil
}

// EnsureSchema creates the extension, tables and indexes if missing.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(postgresSchema, s.dimension)); err != nil {
		return fmt.Errorf("%w: apply schema: %w", ErrVectorStore, err)
	}
	slog.Info("postgres schema ready", "dimension", s.dimension)
	return nil
}

func (s *PostgresStorage) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrVectorStore, err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) CreateDocument(ctx context.Context, doc *Document) error {
	keywords := doc.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (id, filename, content_type, file_url, title, summary, keywords, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.Filename, doc.ContentType, doc.FileURL, doc.Title, doc.Summary, keywords, createdAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert document %s: %w", ErrVectorStore, doc.ID, err)
	}
	return nil
}

func (s *PostgresStorage) GetDocument(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDocumentNotFound
	}
	var doc Document
	err := s.pool.QueryRow(ctx, `
SELECT id, filename, content_type, file_url, title, summary, keywords, created_at
FROM documents WHERE id = $1`, id).Scan(
		&doc.ID, &doc.Filename, &doc.ContentType, &doc.FileURL,
		&doc.Title, &doc.Summary, &doc.Keywords, &doc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get document %s: %w", ErrVectorStore, id, err)
	}
	return &doc, nil
}

func (s *PostgresStorage) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT d.id, d.filename, d.content_type, d.file_url, d.title, d.summary, d.keywords, d.created_at,
       (SELECT count(*) FROM chunks c WHERE c.doc_id = d.id),
       (SELECT count(*) FROM document_assets a WHERE a.doc_id = d.id)
FROM documents d
ORDER BY d.created_at DESC, d.id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", ErrVectorStore, err)
	}
	defer rows.Close()

	out := []DocumentSummary{}
	for rows.Next() {
		var sum DocumentSummary
		if err := rows.Scan(
			&sum.ID, &sum.Filename, &sum.ContentType, &sum.FileURL,
			&sum.Title, &sum.Summary, &sum.Keywords, &sum.CreatedAt,
			&sum.ChunkCount, &sum.ImageCount,
		); err != nil {
			return nil, fmt.Errorf("%w: scan document: %w", ErrVectorStore, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", ErrVectorStore, err)
	}
	return out, nil
}

// DeleteDocument removes the document row; chunks and assets follow by
// ON DELETE CASCADE.
func (s *PostgresStorage) DeleteDocument(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrDocumentNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete document %s: %w", ErrVectorStore, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStorage) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := checkChunkDimensions(chunks, s.dimension); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx insert chunks: %w", ErrVectorStore, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for i, c := range chunks {
		meta, err := normalizeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %w", ErrVectorStore, i, err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO chunks (id, doc_id, chunk_index, content, metadata, embedding)
VALUES ($1, $2, $3, $4, $5, $6::vector)`,
			c.ID, c.DocID, c.ChunkIndex, c.Content, meta, pgvector.NewVector(c.Embedding),
		)
		if err != nil {
			return fmt.Errorf("%w: insert chunk %s: %w", ErrVectorStore, c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit chunks tx: %w", ErrVectorStore, err)
	}
	return nil
}

func (s *PostgresStorage) SearchSimilar(ctx context.Context, query []float32, k int, docID string) ([]Hit, error) {
	if err := checkDimension("query", len(query), s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	var filter any
	if docID != "" {
		if _, err := uuid.Parse(docID); err != nil {
			return []Hit{}, nil
		}
		filter = docID
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, doc_id, chunk_index, content, metadata,
       1 - (embedding <=> $1::vector) AS score
FROM chunks
WHERE ($2::uuid IS NULL OR doc_id = $2::uuid)
ORDER BY embedding <=> $1::vector, seq
LIMIT $3`,
		pgvector.NewVector(query), filter, k,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search chunks: %w", ErrVectorStore, err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocID, &h.ChunkIndex, &h.Content, &h.Metadata, &h.Score); err != nil {
			return nil, fmt.Errorf("%w: scan hit: %w", ErrVectorStore, err)
		}
		if h.Metadata == nil {
			h.Metadata = map[string]any{}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search chunks: %w", ErrVectorStore, err)
	}
	return hits, nil
}

func (s *PostgresStorage) InsertAssets(ctx context.Context, assets []*Asset) error {
	if len(assets) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx insert assets: %w", ErrVectorStore, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for i, a := range assets {
		meta, err := normalizeMetadata(a.Metadata)
		if err != nil {
			return fmt.Errorf("%w: asset %d: %w", ErrVectorStore, i, err)
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
INSERT INTO document_assets (id, doc_id, kind, page_index, image_index, url, content_type, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.DocID, string(a.Kind), a.PageIndex, a.ImageIndex, a.URL, a.ContentType, meta, createdAt,
		)
		if err != nil {
			return fmt.Errorf("%w: insert asset %s: %w", ErrVectorStore, a.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit assets tx: %w", ErrVectorStore, err)
	}
	return nil
}

func (s *PostgresStorage) ListImageAssets(ctx context.Context, docID string) ([]Asset, error) {
	if _, err := uuid.Parse(docID); err != nil {
		return []Asset{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, doc_id, kind, page_index, image_index, url, content_type, metadata, created_at
FROM document_assets
WHERE doc_id = $1
ORDER BY page_index ASC NULLS LAST, image_index ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("%w: list assets: %w", ErrVectorStore, err)
	}
	defer rows.Close()

	out := []Asset{}
	for rows.Next() {
		var (
			a    Asset
			kind string
		)
		if err := rows.Scan(&a.ID, &a.DocID, &kind, &a.PageIndex, &a.ImageIndex,
			&a.URL, &a.ContentType, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan asset: %w", ErrVectorStore, err)
		}
		a.Kind = AssetKind(kind)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list assets: %w", ErrVectorStore, err)
	}
	return out, nil
}
