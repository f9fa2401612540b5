package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// Store persists pipeline documents as JSON files under
// <root>/<namespace>/pipelines/store/<id>.json. One process-wide mutex
// serialises writers; reads go straight to disk.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore constructs a store rooted at the data directory.
func NewStore(root string) *Store {
	return &Store{root: root, now: time.Now}
}

func (s *Store) dir(namespace string) string {
	return filepath.Join(s.root, namespace, "pipelines", "store")
}

func (s *Store) path(namespace, id string) string {
	return filepath.Join(s.dir(namespace), id+".json")
}

func (s *Store) load(namespace, id string) (*Pipeline, error) {
	raw, err := os.ReadFile(s.path(namespace, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: pipeline not found", httpx.ErrNotFound)
		}
		return nil, err
	}
	var doc Pipeline
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pipeline: corrupt document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) save(doc *Pipeline) error {
	if err := os.MkdirAll(s.dir(doc.Namespace), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename so a crashed write never leaves a torn document.
	tmp := s.path(doc.Namespace, doc.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(doc.Namespace, doc.ID))
}

// List returns a namespace's pipelines sorted by name.
func (s *Store) List(_ context.Context, namespace string) ([]Pipeline, error) {
	entries, err := os.ReadDir(s.dir(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return []Pipeline{}, nil
		}
		return nil, err
	}
	docs := make([]Pipeline, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.load(namespace, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return strings.ToLower(docs[i].Name) < strings.ToLower(docs[j].Name)
	})
	return docs, nil
}

// Get returns one pipeline document.
func (s *Store) Get(_ context.Context, namespace, id string) (*Pipeline, error) {
	return s.load(namespace, id)
}

func (s *Store) nameTaken(ctx context.Context, namespace, name, excludeID string) (bool, error) {
	docs, err := s.List(ctx, namespace)
	if err != nil {
		return false, err
	}
	for _, doc := range docs {
		if doc.ID != excludeID && strings.EqualFold(doc.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

// Create stores a new pipeline. Names are unique per namespace, compared
// case-insensitively.
func (s *Store) Create(ctx context.Context, namespace, name, description string, state map[string]any) (*Pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: pipeline name required", httpx.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.nameTaken(ctx, namespace, name, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: pipeline name %q already exists", httpx.ErrConflict, name)
	}
	now := s.now().UTC()
	doc := &Pipeline{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       state,
	}
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DocUpdate is a sparse pipeline mutation. ExpectedUpdatedAt, when supplied,
// enables optimistic concurrency: a stored document newer than the caller's
// copy conflicts.
type DocUpdate struct {
	Name              shared.Optional[string]
	Description       shared.Optional[string]
	State             shared.Optional[map[string]any]
	ExpectedUpdatedAt *time.Time
}

// Update applies a sparse mutation to a pipeline document.
func (s *Store) Update(ctx context.Context, namespace, id string, update DocUpdate) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(namespace, id)
	if err != nil {
		return nil, err
	}
	if update.ExpectedUpdatedAt != nil && doc.UpdatedAt.After(*update.ExpectedUpdatedAt) {
		return nil, fmt.Errorf("%w: pipeline was modified by someone else", httpx.ErrConflict)
	}
	if name, ok := update.Name.Value(); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: pipeline name required", httpx.ErrInvalidArgument)
		}
		taken, err := s.nameTaken(ctx, namespace, name, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: pipeline name %q already exists", httpx.ErrConflict, name)
		}
		doc.Name = name
	}
	if description, ok := update.Description.Value(); ok {
		doc.Description = description
	} else if update.Description.IsNull() {
		doc.Description = ""
	}
	if state, ok := update.State.Value(); ok {
		doc.State = state
	} else if update.State.IsNull() {
		doc.State = nil
	}
	doc.UpdatedAt = s.now().UTC()
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a pipeline document.
func (s *Store) Delete(_ context.Context, namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(namespace, id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: pipeline not found", httpx.ErrNotFound)
		}
		return err
	}
	return nil
}

// Duplicate copies a pipeline under a new name, resetting run history.
func (s *Store) Duplicate(ctx context.Context, namespace, id, newName string) (*Pipeline, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("%w: pipeline name required", httpx.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.load(namespace, id)
	if err != nil {
		return nil, err
	}
	taken, err := s.nameTaken(ctx, namespace, newName, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: pipeline name %q already exists", httpx.ErrConflict, newName)
	}
	now := s.now().UTC()
	dup := &Pipeline{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Name:        newName,
		Description: src.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       src.State,
	}
	if err := s.save(dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// PipelineName returns the stored display name for a pipeline id.
func (s *Store) PipelineName(_ context.Context, namespace, id string) (string, error) {
	doc, err := s.load(namespace, id)
	if err != nil {
		return "", err
	}
	return doc.Name, nil
}

// RecordRunStatus updates a pipeline's last-run fields. Unknown pipeline ids
// are silently ignored; run finalization must never fail on a missing
// document.
func (s *Store) RecordRunStatus(_ context.Context, namespace, pipelineID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(namespace, pipelineID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil
		}
		return err
	}
	doc.LastRunStatus = &status
	doc.LastRunAt = &at
	doc.UpdatedAt = s.now().UTC()
	return s.save(doc)
}
