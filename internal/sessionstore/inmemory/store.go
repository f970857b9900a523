package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-dev/workspace-node/internal/models"
)

// Store keeps sessions in process memory. It implements the same contract
// as the postgres repository and backs single-node development setups and
// tests; durability across restarts is obviously not provided.
type Store struct {
	mu       *sync.Mutex
	sessions map[models.ProjectID]models.ProjectSession
}

func New() *Store {
	return &Store{
		mu:       &sync.Mutex{},
		sessions: make(map[models.ProjectID]models.ProjectSession, 128),
	}
}

func (s *Store) Save(ctx context.Context, session models.ProjectSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ProjectID] = session
	return nil
}

func (s *Store) Get(ctx context.Context, projectID models.ProjectID) (*models.ProjectSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[projectID]
	if !exists {
		return nil, nil
	}
	return &session, nil
}

func (s *Store) Delete(ctx context.Context, projectID models.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, projectID)
	return nil
}

func (s *Store) List(ctx context.Context) ([]models.ProjectSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.ProjectSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		result = append(result, session)
	}
	return result, nil
}

func (s *Store) Touch(ctx context.Context, projectID models.ProjectID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[projectID]
	if !exists {
		return nil
	}
	session.LastUsed = at
	s.sessions[projectID] = session
	return nil
}
