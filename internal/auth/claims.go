package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Claim binds a project to a salted token hash. Hash and Salt are hex.
type Claim struct {
	Project string `json:"project"`
	Hash    string `json:"token"`
	Salt    string `json:"salt"`
}

// ClaimStore persists claims. Get returns nil, nil for an unclaimed project.
type ClaimStore interface {
	Get(ctx context.Context, project string) (*Claim, error)
	Create(ctx context.Context, c Claim) error
	Rename(ctx context.Context, project, newName string) error
	Close() error
}

// FileClaimStore keeps claims in a JSON file rewritten atomically.
type FileClaimStore struct {
	path string
	mu   sync.Mutex
}

// NewFileClaimStore creates a store backed by path. The file is created on
// the first claim.
func NewFileClaimStore(path string) (*FileClaimStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create claims dir: %w", err)
	}
	s := &FileClaimStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileClaimStore) load() (map[string]Claim, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Claim{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	var list []Claim
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse claims %s: %w", s.path, err)
	}
	out := make(map[string]Claim, len(list))
	for _, c := range list {
		out[c.Project] = c
	}
	return out, nil
}

func (s *FileClaimStore) save(claims map[string]Claim) error {
	list := make([]Claim, 0, len(claims))
	for _, c := range claims {
		list = append(list, c)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".claims-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write claims: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename claims: %w", err)
	}
	return nil
}

// Get returns the claim of project.
func (s *FileClaimStore) Get(_ context.Context, project string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, err := s.load()
	if err != nil {
		return nil, err
	}
	c, ok := claims[project]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Create stores a new claim or returns ErrAlreadyClaimed.
func (s *FileClaimStore) Create(_ context.Context, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := claims[c.Project]; ok {
		return ErrAlreadyClaimed
	}
	claims[c.Project] = c
	return s.save(claims)
}

// Rename moves the claim of project to newName. Unclaimed projects are a no-op.
func (s *FileClaimStore) Rename(_ context.Context, project, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, err := s.load()
	if err != nil {
		return err
	}
	c, ok := claims[project]
	if !ok {
		return nil
	}
	delete(claims, project)
	c.Project = newName
	claims[newName] = c
	return s.save(claims)
}

// Close is a no-op.
func (s *FileClaimStore) Close() error { return nil }
