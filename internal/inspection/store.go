package inspection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists inspections. The photo-processing handler loads the owning
// inspection, mutates its groups and saves it back; a single handler
// execution owns a job exclusively, so no finer-grained locking is needed.
type Store interface {
	Get(ctx context.Context, inspectionID string) (*Inspection, error)
	Save(ctx context.Context, ins *Inspection) error
}

// PostgresStore stores each inspection as a JSONB document row.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, inspectionID string) (*Inspection, error) {
	var doc []byte
	query := `SELECT document FROM inspections WHERE inspection_id = $1`
	if err := s.db.GetContext(ctx, &doc, query, inspectionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get inspection: %w", err)
	}

	var ins Inspection
	if err := json.Unmarshal(doc, &ins); err != nil {
		return nil, fmt.Errorf("failed to decode inspection document: %w", err)
	}
	return &ins, nil
}

func (s *PostgresStore) Save(ctx context.Context, ins *Inspection) error {
	ins.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("failed to encode inspection document: %w", err)
	}

	query := `
		INSERT INTO inspections (inspection_id, organization_id, document, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (inspection_id) DO UPDATE
		SET document = EXCLUDED.document,
		    updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, ins.ID, ins.OrganizationID, doc); err != nil {
		return fmt.Errorf("failed to save inspection: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and the dev profile.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, inspectionID string) (*Inspection, error) {
	s.mu.Lock()
	doc, ok := s.docs[inspectionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	var ins Inspection
	if err := json.Unmarshal(doc, &ins); err != nil {
		return nil, fmt.Errorf("failed to decode inspection document: %w", err)
	}
	return &ins, nil
}

func (s *MemoryStore) Save(ctx context.Context, ins *Inspection) error {
	ins.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("failed to encode inspection document: %w", err)
	}

	s.mu.Lock()
	s.docs[ins.ID] = doc
	s.mu.Unlock()
	return nil
}
