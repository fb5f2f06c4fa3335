package storage

import "errors"

var (
	ErrVectorStore       = errors.New("vector store error")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
)
