package storage

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

const (
	vectorName = "content"

	pointTypeDocument = "document"
	pointTypeChunk    = "chunk"
	pointTypeAsset    = "asset"

	upsertBatchSize = 100
	scrollBatchSize = uint32(100)
	searchTieMargin = 8
)

// QdrantConfig holds connection settings for QdrantStorage.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// QdrantStorage wraps the Qdrant client with connection management and health checks.
// Documents, chunks and assets share one collection and are told apart by
// the "type" payload field; only chunks carry a vector.
type QdrantStorage struct {
	client     *qdrant.Client
	collection string
	dimension  int
	seq        atomic.Int64
}

// NewQdrantStorage creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantStorage(cfg QdrantConfig) (*QdrantStorage, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultVectorDimension
	}

	// Create Qdrant client using gRPC
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	storage := &QdrantStorage{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}
	storage.seq.Store(time.Now().UnixNano())

	// Perform health check with exponential backoff retry
	if err := storage.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	return storage, nil
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStorage) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(newBackoff(), ctx))
}

// Health performs a single health check against Qdrant.
// Returns nil if Qdrant is healthy, error otherwise.
func (s *QdrantStorage) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}

	return nil
}

// EnsureSchema ensures the collection exists with a cosine "content" vector
// and payload indexes. Idempotent - safe to call multiple times.
func (s *QdrantStorage) EnsureSchema(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	// Named vectors let documents and assets (no vector) live beside chunks.
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	return nil
}

// createPayloadIndexes creates indexes for all filterable fields.
// Without these indexes, filtering becomes 10-100x slower.
func (s *QdrantStorage) createPayloadIndexes(ctx context.Context) error {
	fields := []string{
		"type",   // Distinguish "document", "chunk" and "asset"
		"doc_id", // Lookup chunks and assets by document
		"kind",   // Asset kind
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	return nil
}

// ClearCollection deletes all points in the collection.
// Useful for re-indexing scenarios.
func (s *QdrantStorage) ClearCollection(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// Close closes the Qdrant client connection.
func (s *QdrantStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (s *QdrantStorage) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(newBackoff(), ctx))
}

// upsertBatched upserts points in groups of 100.
func (s *QdrantStorage) upsertBatched(ctx context.Context, points []*qdrant.PointStruct) error {
	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		if err := s.upsertWithRetry(ctx, points[i:end]); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// CreateDocument stores a document record. Documents have no embedding vector.
func (s *QdrantStorage) CreateDocument(ctx context.Context, doc *Document) error {
	keywords := make([]any, len(doc.Keywords))
	for i, k := range doc.Keywords {
		keywords[i] = k
	}

	payload, err := qdrant.TryValueMap(map[string]any{
		"type":         pointTypeDocument,
		"doc_id":       doc.ID,
		"filename":     doc.Filename,
		"content_type": doc.ContentType,
		"file_url":     doc.FileURL,
		"title":        doc.Title,
		"summary":      doc.Summary,
		"keywords":     keywords,
		"created_at":   doc.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("%w: document payload: %w", ErrVectorStore, err)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(doc.ID),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
		Payload: payload,
	}
	if err := s.upsertWithRetry(ctx, []*qdrant.PointStruct{point}); err != nil {
		return fmt.Errorf("%w: create document: %w", ErrVectorStore, err)
	}
	return nil
}

// GetDocument retrieves a document record by ID.
// Returns ErrDocumentNotFound if document doesn't exist.
func (s *QdrantStorage) GetDocument(ctx context.Context, id string) (*Document, error) {
	result, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get document: %w", ErrVectorStore, err)
	}

	if len(result) == 0 {
		return nil, ErrDocumentNotFound
	}

	payload := result[0].Payload
	if payload["type"].GetStringValue() != pointTypeDocument {
		return nil, ErrDocumentNotFound
	}
	return documentFromPayload(id, payload), nil
}

// ListDocuments returns every document, newest first, with chunk and asset counts.
func (s *QdrantStorage) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	points, err := s.scrollAll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("type", pointTypeDocument)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", ErrVectorStore, err)
	}

	out := make([]DocumentSummary, 0, len(points))
	for _, p := range points {
		doc := documentFromPayload(p.Id.GetUuid(), p.Payload)
		chunks, err := s.count(ctx, pointTypeChunk, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: count chunks: %w", ErrVectorStore, err)
		}
		images, err := s.count(ctx, pointTypeAsset, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: count assets: %w", ErrVectorStore, err)
		}
		out = append(out, DocumentSummary{Document: *doc, ChunkCount: chunks, ImageCount: images})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteDocument removes the document with its chunks and assets.
func (s *QdrantStorage) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("doc_id", id)},
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: delete document: %w", ErrVectorStore, err)
	}
	return nil
}

// InsertChunks stores chunks with embeddings in batches of 100.
// Each chunk gets an increasing sequence number used to break score ties.
func (s *QdrantStorage) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := checkChunkDimensions(chunks, s.dimension); err != nil {
		return err
	}

	base := s.seq.Add(int64(len(chunks))) - int64(len(chunks))
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		meta, err := normalizeMetadata(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %w", ErrVectorStore, i, err)
		}
		payload, err := qdrant.TryValueMap(map[string]any{
			"type":        pointTypeChunk,
			"doc_id":      chunk.DocID,
			"chunk_index": chunk.ChunkIndex,
			"content":     chunk.Content,
			"metadata":    meta,
			"seq":         base + int64(i),
		})
		if err != nil {
			return fmt.Errorf("%w: chunk %d payload: %w", ErrVectorStore, i, err)
		}

		points[i] = &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(chunk.ID),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				vectorName: qdrant.NewVector(chunk.Embedding...),
			}),
			Payload: payload,
		}
	}

	if err := s.upsertBatched(ctx, points); err != nil {
		return fmt.Errorf("%w: %w", ErrVectorStore, err)
	}
	return nil
}

type scoredHit struct {
	Hit
	seq int64
}

// SearchSimilar performs vector similarity search on chunks.
// Returns up to k hits ordered by score descending, then insertion order.
// Qdrant picks arbitrarily among equal scores, so the limit is widened
// until every hit tied with the k-th one is fetched before trimming.
func (s *QdrantStorage) SearchSimilar(ctx context.Context, query []float32, k int, docID string) ([]Hit, error) {
	if err := checkDimension("query", len(query), s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("type", pointTypeChunk),
	}
	if docID != "" {
		must = append(must, qdrant.NewMatch("doc_id", docID))
	}

	using := vectorName
	var results []*qdrant.ScoredPoint
	for limit := k + searchTieMargin; ; limit *= 2 {
		var err error
		results, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(query...),
			Using:          &using,
			Filter:         &qdrant.Filter{Must: must},
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: search chunks: %w", ErrVectorStore, err)
		}
		if !tiesTruncated(results, k, limit) {
			break
		}
	}

	scored := make([]scoredHit, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		scored = append(scored, scoredHit{
			Hit: Hit{
				ChunkID:    result.Id.GetUuid(),
				DocID:      payload["doc_id"].GetStringValue(),
				ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
				Content:    payload["content"].GetStringValue(),
				Metadata:   structToMap(payload["metadata"].GetStructValue()),
				Score:      float64(result.Score),
			},
			seq: payload["seq"].GetIntegerValue(),
		})
	}

	// Qdrant does not define an order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].seq < scored[j].seq
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	hits := make([]Hit, len(scored))
	for i, sh := range scored {
		hits[i] = sh.Hit
	}
	return hits, nil
}

// tiesTruncated reports whether a full page of results may have cut off
// points scoring the same as the k-th hit. Results arrive score descending.
func tiesTruncated(results []*qdrant.ScoredPoint, k, limit int) bool {
	if len(results) < limit || len(results) <= k {
		return false
	}
	return results[len(results)-1].Score == results[k-1].Score
}

// InsertAssets stores asset records in extraction order.
func (s *QdrantStorage) InsertAssets(ctx context.Context, assets []*Asset) error {
	if len(assets) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(assets))
	for i, a := range assets {
		meta, err := normalizeMetadata(a.Metadata)
		if err != nil {
			return fmt.Errorf("%w: asset %d: %w", ErrVectorStore, i, err)
		}
		var page any
		if a.PageIndex != nil {
			page = *a.PageIndex
		}
		payload, err := qdrant.TryValueMap(map[string]any{
			"type":         pointTypeAsset,
			"doc_id":       a.DocID,
			"kind":         string(a.Kind),
			"page_index":   page,
			"image_index":  a.ImageIndex,
			"url":          a.URL,
			"content_type": a.ContentType,
			"metadata":     meta,
			"created_at":   a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("%w: asset %d payload: %w", ErrVectorStore, i, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(a.ID),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
			Payload: payload,
		}
	}

	if err := s.upsertBatched(ctx, points); err != nil {
		return fmt.Errorf("%w: %w", ErrVectorStore, err)
	}
	return nil
}

// ListImageAssets returns the assets of one document ordered by page then image index.
func (s *QdrantStorage) ListImageAssets(ctx context.Context, docID string) ([]Asset, error) {
	points, err := s.scrollAll(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("type", pointTypeAsset),
			qdrant.NewMatch("doc_id", docID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list assets: %w", ErrVectorStore, err)
	}

	out := make([]Asset, 0, len(points))
	for _, p := range points {
		payload := p.Payload
		a := Asset{
			ID:          p.Id.GetUuid(),
			DocID:       payload["doc_id"].GetStringValue(),
			Kind:        AssetKind(payload["kind"].GetStringValue()),
			ImageIndex:  int(payload["image_index"].GetIntegerValue()),
			URL:         payload["url"].GetStringValue(),
			ContentType: payload["content_type"].GetStringValue(),
			Metadata:    structToMap(payload["metadata"].GetStructValue()),
			CreatedAt:   parseTime(payload["created_at"].GetStringValue()),
		}
		if v, ok := payload["page_index"].GetKind().(*qdrant.Value_IntegerValue); ok {
			page := int(v.IntegerValue)
			a.PageIndex = &page
		}
		out = append(out, a)
	}

	SortAssets(out)
	return out, nil
}

// scrollAll pages through every point matching filter.
func (s *QdrantStorage) scrollAll(ctx context.Context, filter *qdrant.Filter) ([]*qdrant.RetrievedPoint, error) {
	var all []*qdrant.RetrievedPoint
	var offset *qdrant.PointId

	for {
		results, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(scrollBatchSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, err
		}
		all = append(all, results...)

		// The offset is inclusive, so resume from the id Qdrant reports as
		// the first point of the next page rather than the last one seen.
		if next == nil {
			break
		}
		offset = next
	}
	return all, nil
}

func (s *QdrantStorage) count(ctx context.Context, pointType, docID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("type", pointType),
				qdrant.NewMatch("doc_id", docID),
			},
		},
		Exact: qdrant.PtrOf(true),
	})
	return int(n), err
}

func documentFromPayload(id string, payload map[string]*qdrant.Value) *Document {
	var keywords []string
	if list := payload["keywords"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			keywords = append(keywords, v.GetStringValue())
		}
	}
	return &Document{
		ID:          id,
		Filename:    payload["filename"].GetStringValue(),
		ContentType: payload["content_type"].GetStringValue(),
		FileURL:     payload["file_url"].GetStringValue(),
		Title:       payload["title"].GetStringValue(),
		Summary:     payload["summary"].GetStringValue(),
		Keywords:    keywords,
		CreatedAt:   parseTime(payload["created_at"].GetStringValue()),
	}
}

// parseTime returns the zero time when s is not RFC 3339.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func structToMap(st *qdrant.Struct) map[string]any {
	out := map[string]any{}
	for k, v := range st.GetFields() {
		out[k] = valueToAny(v)
	}
	return out
}

// valueToAny converts a payload value back to plain Go values. Integers
// become float64 to match the JSON shape of the other backends.
func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return float64(kind.IntegerValue)
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_StructValue:
		return structToMap(kind.StructValue)
	case *qdrant.Value_ListValue:
		list := make([]any, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			list = append(list, valueToAny(item))
		}
		return list
	default:
		return nil
	}
}
