package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/agendapos/agendapos/internal/s3"
)

var _ s3.Service = (*InMemoryArtifactStore)(nil)

// InMemoryArtifactStore implements s3.Service for tests
type InMemoryArtifactStore struct {
	mu        sync.RWMutex
	documents map[string][]byte

	UploadErr error
}

func NewInMemoryArtifactStore() *InMemoryArtifactStore {
	return &InMemoryArtifactStore{
		documents: make(map[string][]byte),
	}
}

func (s *InMemoryArtifactStore) UploadInvoiceDocument(ctx context.Context, invoiceID string, data []byte) (string, error) {
	if s.UploadErr != nil {
		return "", s.UploadErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[invoiceID] = data
	return fmt.Sprintf("invoices/%s.pdf", invoiceID), nil
}

func (s *InMemoryArtifactStore) GetInvoiceDocument(ctx context.Context, invoiceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[invoiceID]
	if !ok {
		return nil, fmt.Errorf("document not found: %s", invoiceID)
	}
	return doc, nil
}

func (s *InMemoryArtifactStore) GetPresignedURL(ctx context.Context, invoiceID string) (string, error) {
	return fmt.Sprintf("https://example.test/invoices/%s.pdf", invoiceID), nil
}

func (s *InMemoryArtifactStore) Exists(ctx context.Context, invoiceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.documents[invoiceID]
	return ok, nil
}
