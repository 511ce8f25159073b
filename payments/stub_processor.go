package payments

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// StubProcessor is used for local development when no processor key is
// configured. Every transfer is accepted and reported paid on retrieval.
type StubProcessor struct {
	mu        sync.Mutex
	transfers map[string]TransferRequest
}

func NewStubProcessor() *StubProcessor {
	return &StubProcessor{transfers: make(map[string]TransferRequest)}
}

func (s *StubProcessor) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("stub_tr_%d", time.Now().UnixNano())
	if req.IdempotencyKey != "" {
		id = "stub_tr_" + req.IdempotencyKey
	}
	s.transfers[id] = req
	log.Printf("[StubProcessor] transfer %s: amount=%d destination=%s", id, req.Amount, req.Destination)
	return &Transfer{ID: id, Status: StatusPending}, nil
}

func (s *StubProcessor) RetrieveTransfer(ctx context.Context, id string) (*TransferState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[id]; !ok && !strings.HasPrefix(id, "stub_tr_") {
		return nil, fmt.Errorf("stub transfer %s not found", id)
	}
	return &TransferState{ID: id, Status: StatusPaid}, nil
}
