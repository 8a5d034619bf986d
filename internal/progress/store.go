package progress

import (
	"errors"
	"sync"
	"time"

	"lectureflow/internal/domain"

	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long a terminal record stays visible to pollers.
const DefaultRetention = time.Hour

var ErrNotFound = errors.New("progress not found")

// Observer is notified with every committed record, outside the store lock.
type Observer interface {
	Observe(rec domain.ProgressRecord)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(rec domain.ProgressRecord)

func (f ObserverFunc) Observe(rec domain.ProgressRecord) { f(rec) }

type entry struct {
	rec domain.ProgressRecord
	// version increments on every write so a stale purge timer can tell
	// the record was touched after the terminal write that armed it.
	version uint64
}

// Store is the shared map of task id to progress record.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*entry
	retention time.Duration
	now       func() time.Time
	observers []Observer
	timers    map[string]*time.Timer
}

type Option func(*Store)

// WithRetention overrides how long terminal records are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock injects the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver registers an observer for committed records.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]*entry),
		retention: DefaultRetention,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update upserts the record for taskID and always refreshes its timestamp.
// Unknown ids are created. A terminal status schedules a delayed purge.
func (s *Store) Update(taskID string, u domain.ProgressUpdate) domain.ProgressRecord {
	s.mu.Lock()
	e, ok := s.records[taskID]
	if !ok {
		e = &entry{rec: domain.ProgressRecord{TaskID: taskID}}
		s.records[taskID] = e
	}
	e.version++
	e.rec.Status = u.Status
	e.rec.Stage = u.Stage
	e.rec.Progress = u.Progress
	e.rec.Message = u.Message
	e.rec.ErrorKind = u.ErrorKind
	e.rec.Timestamp = s.now()
	if u.Result != nil {
		e.rec.Result = u.Result
	}
	if u.Status.IsTerminal() {
		s.schedulePurgeLocked(taskID, e.version)
	}
	snapshot := e.rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot
}

// Get returns a copy of the record for taskID.
func (s *Store) Get(taskID string) (domain.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[taskID]
	if !ok {
		return domain.ProgressRecord{}, false
	}
	return e.rec.Clone(), true
}

// All returns a snapshot of every record keyed by task id.
func (s *Store) All() map[string]domain.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.ProgressRecord, len(s.records))
	for id, e := range s.records {
		out[id] = e.rec.Clone()
	}
	return out
}

// Cancel marks a known task as cancelled, keeping its stage and progress.
// The pipeline observes the flag between stages. No purge is armed here: the
// record must outlive a queued task, so the run's final write arms it.
func (s *Store) Cancel(taskID string) (domain.ProgressRecord, error) {
	s.mu.Lock()
	e, ok := s.records[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.ProgressRecord{}, ErrNotFound
	}
	if e.rec.Status.IsTerminal() {
		snapshot := e.rec.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	e.version++
	e.rec.Status = domain.StatusCancelled
	e.rec.ErrorKind = domain.KindCancelled
	e.rec.Message = "cancellation requested"
	e.rec.Timestamp = s.now()
	snapshot := e.rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// Cancelled reports whether taskID has been marked cancelled.
func (s *Store) Cancelled(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[taskID]
	return ok && e.rec.Status == domain.StatusCancelled
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops pending purge timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) schedulePurgeLocked(taskID string, version uint64) {
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	s.timers[taskID] = time.AfterFunc(s.retention, func() {
		s.purge(taskID, version)
	})
}

func (s *Store) purge(taskID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[taskID]
	if !ok || e.version != version {
		return
	}
	delete(s.records, taskID)
	delete(s.timers, taskID)
	log.Debug().Str("task_id", taskID).Msg("progress record purged")
}

func (s *Store) notify(rec domain.ProgressRecord) {
	for _, o := range s.observers {
		o.Observe(rec)
	}
}
