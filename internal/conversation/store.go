package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/voice/slots"
)

const (
	defaultCapacity = 100
	defaultLookback = 5
)

// referenceAliases maps spoken references to slot names.
var referenceAliases = map[string]string{
	"it":        slots.LastObject,
	"that file": slots.File,
	"that app":  slots.App,
	"there":     slots.Location,
}

// objectSlots are consulted, in order, when a turn has no explicit
// last-used-object entity.
var objectSlots = []string{slots.File, slots.App, slots.URL}

// ActionResult describes what the executed action produced.
type ActionResult struct {
	Tag     string            `json:"tag"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Entry is one recorded user turn.
type Entry struct {
	Timestamp  time.Time               `json:"timestamp"`
	UserInput  string                  `json:"user_input"`
	Intent     string                  `json:"parsed_intent"`
	Entities   map[string]slots.Entity `json:"entities"`
	Result     ActionResult            `json:"action_result"`
	Success    bool                    `json:"success"`
	Confidence float64                 `json:"confidence"`
}

// CommandStats aggregates every recorded turn with the same command text.
type CommandStats struct {
	Count         int
	SuccessCount  int
	AvgConfidence float64
	LastSeen      time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the number of retained entries.
func WithCapacity(capacity int) Option {
	return func(s *Store) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithLookback sets how many recent turns reference resolution considers.
func WithLookback(turns int) Option {
	return func(s *Store) {
		if turns > 0 {
			s.lookback = turns
		}
	}
}

// WithPublisher reports persistence failures as Error events.
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.Named("conversation")
		}
	}
}

// Store is a bounded, append-only memory of recent turns.
type Store struct {
	capacity  int
	lookback  int
	publisher eventbus.Publisher
	logger    *zap.Logger

	mu      sync.Mutex
	entries []Entry
	stats   map[string]*CommandStats
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		capacity: defaultCapacity,
		lookback: defaultLookback,
		logger:   zap.NewNop(),
		stats:    make(map[string]*CommandStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the maximum number of retained entries.
func (s *Store) Capacity() int { return s.capacity }

// Add appends entry, evicting the oldest entry when the store is full.
func (s *Store) Add(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC().Round(0)
	entry.Entities = copyEntities(entry.Entities)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(entry)
	s.recordLocked(entry)
}

func (s *Store) appendLocked(entry Entry) {
	if len(s.entries) >= s.capacity {
		n := copy(s.entries, s.entries[len(s.entries)-s.capacity+1:])
		clear(s.entries[n:])
		s.entries = s.entries[:n]
	}
	s.entries = append(s.entries, entry)
}

func (s *Store) recordLocked(entry Entry) {
	key := commandKey(entry.UserInput)
	st, ok := s.stats[key]
	if !ok {
		st = &CommandStats{}
		s.stats[key] = st
	}
	st.AvgConfidence = (st.AvgConfidence*float64(st.Count) + entry.Confidence) / float64(st.Count+1)
	st.Count++
	if entry.Success {
		st.SuccessCount++
	}
	if entry.Timestamp.After(st.LastSeen) {
		st.LastSeen = entry.Timestamp
	}
}

// ResolveReference returns the entity a reference points at. Aliases such as
// "it" or "that file" map to slot names; anything else is taken as a slot
// name. Only successful turns within the look-back window are considered and
// the most recent one wins.
func (s *Store) ResolveReference(ref string) (slots.Entity, bool) {
	key := strings.ToLower(strings.TrimSpace(ref))
	slot, ok := referenceAliases[key]
	if !ok {
		slot = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := len(s.entries) - s.lookback
	if oldest < 0 {
		oldest = 0
	}
	for i := len(s.entries) - 1; i >= oldest; i-- {
		entry := s.entries[i]
		if !entry.Success {
			continue
		}
		if entity, ok := entry.Entities[slot]; ok {
			return entity, true
		}
		if slot == slots.LastObject {
			for _, candidate := range objectSlots {
				if entity, ok := entry.Entities[candidate]; ok {
					return entity, true
				}
			}
		}
	}
	return slots.Entity{}, false
}

// LastAction returns the most recent entry.
func (s *Store) LastAction() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return cloneEntry(s.entries[len(s.entries)-1]), true
}

// Search returns entries whose user input contains query, ignoring case.
func (s *Store) Search(query string) []Entry {
	needle := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, entry := range s.entries {
		if strings.Contains(strings.ToLower(entry.UserInput), needle) {
			out = append(out, cloneEntry(entry))
		}
	}
	return out
}

// Stats returns the statistics recorded for a command text.
func (s *Store) Stats(command string) (CommandStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[commandKey(command)]
	if !ok {
		return CommandStats{}, false
	}
	return *st, true
}

// Entries returns a snapshot of all entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, entry := range s.entries {
		out[i] = cloneEntry(entry)
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all entries and statistics.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.stats = make(map[string]*CommandStats)
}

// Save writes the entries to path as a JSON array. The file is replaced
// atomically. Failures are returned and published as Error events.
func (s *Store) Save(path string) error {
	entries := s.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	if err := writeFileAtomic(path, entries); err != nil {
		return s.persistenceError("save", path, err)
	}
	s.logger.Debug("context saved", zap.String("path", path), zap.Int("entries", len(entries)))
	return nil
}

// Load replaces the store content with the entries saved at path. On failure
// the in-memory state is left untouched.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return s.persistenceError("load", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return s.persistenceError("load", path, err)
	}
	for i, entry := range entries {
		if entry.Confidence < 0 || entry.Confidence > 1 {
			return s.persistenceError("load", path, fmt.Errorf("entry %d: confidence %v out of range", i, entry.Confidence))
		}
	}

	s.mu.Lock()
	s.entries = nil
	s.stats = make(map[string]*CommandStats)
	for _, entry := range entries {
		s.appendLocked(entry)
		s.recordLocked(entry)
	}
	s.mu.Unlock()

	s.logger.Info("context loaded", zap.String("path", path), zap.Int("entries", len(entries)))
	return nil
}

func (s *Store) persistenceError(op, path string, err error) error {
	wrapped := fmt.Errorf("conversation: %s %s: %w", op, path, err)
	s.logger.Warn("context persistence failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	eventbus.Emit(context.Background(), s.publisher, eventbus.Error{Source: "conversation", Message: wrapped.Error()})
	return wrapped
}

func writeFileAtomic(path string, entries []Entry) (err error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func commandKey(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

func copyEntities(src map[string]slots.Entity) map[string]slots.Entity {
	if src == nil {
		return nil
	}
	out := make(map[string]slots.Entity, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneEntry(entry Entry) Entry {
	entry.Entities = copyEntities(entry.Entities)
	if entry.Result.Data != nil {
		data := make(map[string]string, len(entry.Result.Data))
		for k, v := range entry.Result.Data {
			data[k] = v
		}
		entry.Result.Data = data
	}
	return entry
}

// IsNotExist reports whether err was caused by a missing context file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
