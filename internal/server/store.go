package server

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"schoolsync/internal/models"
	"schoolsync/internal/resolver"

	"gopkg.in/yaml.v3"
)

var (
	errNotFound = errors.New("record not found")
	errGone     = errors.New("record was deleted")
	errConflict = errors.New("record differs from the submitted values")
	errVersion  = errors.New("record changed since the base version")
)

type response struct {
	status int
	body   []byte
}

// Store keeps versioned records in memory. Deleted records stay as
// tombstones so repeated deletes and late creates can be told apart.
type Store struct {
	mu      sync.Mutex
	records map[string]*models.RemoteRecord
	replays map[string]response
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*models.RemoteRecord),
		replays: make(map[string]response),
	}
}

// Seed inserts or overwrites records at version 1 unless a version is given.
func (s *Store) Seed(records ...models.RemoteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Version == 0 {
			rec.Version = 1
		}
		rec.Fields = copyFields(rec.Fields)
		s.records[models.TargetOf(rec.Resource, rec.ID)] = &rec
	}
}

type seedFile struct {
	Records []struct {
		Resource string         `yaml:"resource"`
		ID       string         `yaml:"id"`
		Fields   map[string]any `yaml:"fields"`
	} `yaml:"records"`
}

// LoadSeed reads records from a YAML file.
func (s *Store) LoadSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	records := make([]models.RemoteRecord, 0, len(f.Records))
	for _, r := range f.Records {
		records = append(records, models.RemoteRecord{Resource: r.Resource, ID: r.ID, Fields: normalizeYAML(r.Fields)})
	}
	s.Seed(records...)
	return len(records), nil
}

// Get returns a copy of the record stored under target.
func (s *Store) Get(target string) (*models.RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[target]
	if !ok {
		return nil, false
	}
	return clone(rec), true
}

// Edit changes fields of a live record and bumps its version, the way
// another client would.
func (s *Store) Edit(target string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(target)
	if err != nil {
		return err
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.Version++
	return nil
}

// Remove tombstones a record.
func (s *Store) Remove(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.live(target)
	if err != nil {
		return err
	}
	rec.Deleted = true
	rec.Version++
	return nil
}

// Payments lists live payment records of a student ordered by id.
func (s *Store) Payments(studentID string) []models.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RemoteRecord
	for _, rec := range s.records {
		if rec.Resource != models.ResourcePayment || rec.Deleted {
			continue
		}
		if sid, _ := rec.Fields["studentId"].(string); sid == studentID {
			out = append(out, *clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// create stores a new record. Re-creating a live record with the same
// values succeeds without a new version.
func (s *Store) create(m models.Mutation) (*models.RemoteRecord, bool, error) {
	resource, id, err := models.ParseTarget(m.Target())
	if err != nil {
		return nil, false, err
	}
	if err := s.checkStudent(m); err != nil {
		return nil, false, err
	}

	fields := m.Fields()
	if rec, ok := s.records[m.Target()]; ok {
		if rec.Deleted {
			return nil, false, errGone
		}
		if !sameFields(rec.Fields, fields) {
			return nil, false, errConflict
		}
		return clone(rec), false, nil
	}

	rec := &models.RemoteRecord{Resource: resource, ID: id, Version: 1, Fields: copyFields(fields)}
	s.records[m.Target()] = rec
	return clone(rec), true, nil
}

func (s *Store) update(r models.Rebaser) (*models.RemoteRecord, error) {
	rec, err := s.live(r.Target())
	if err != nil {
		return nil, err
	}
	if base := r.Guard().BaseVersion; base != 0 && base != rec.Version {
		return nil, errVersion
	}
	for k, v := range r.Fields() {
		rec.Fields[k] = v
	}
	rec.Version++
	return clone(rec), nil
}

func (s *Store) remove(target string) (*models.RemoteRecord, error) {
	rec, err := s.live(target)
	if err != nil {
		return nil, err
	}
	rec.Deleted = true
	rec.Version++
	return clone(rec), nil
}

// checkStudent requires the owning student of dependent records to exist.
func (s *Store) checkStudent(m models.Mutation) error {
	if m.Kind() == models.KindCreateStudent {
		return nil
	}
	for _, key := range models.CausalKeys(m) {
		if !strings.HasPrefix(key, models.ResourceStudent+":") || key == m.Target() {
			continue
		}
		if _, err := s.live(key); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) live(target string) (*models.RemoteRecord, error) {
	rec, ok := s.records[target]
	if !ok {
		return nil, errNotFound
	}
	if rec.Deleted {
		return nil, errGone
	}
	return rec, nil
}

func sameFields(stored, submitted map[string]any) bool {
	for k, v := range submitted {
		if !resolver.Equal(stored[k], v) {
			return false
		}
	}
	return true
}

func clone(rec *models.RemoteRecord) *models.RemoteRecord {
	c := *rec
	c.Fields = copyFields(rec.Fields)
	return &c
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// normalizeYAML turns YAML integers into float64 so seeded values compare
// like JSON payloads.
func normalizeYAML(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if n, ok := v.(int); ok {
			out[k] = float64(n)
			continue
		}
		out[k] = v
	}
	return out
}
