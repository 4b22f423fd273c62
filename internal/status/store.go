package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook holding the latest info-and-above records in a
// fixed ring.
type logStore struct {
	mu      sync.Mutex
	ring    []logRecord
	next    int
	full    bool
	stopped atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	return &logStore{ring: make([]logRecord, limit)}
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels[:int(logrus.InfoLevel)+1]
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.stopped.Load() {
		return nil
	}
	rec := toRecord(entry)

	s.mu.Lock()
	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// snapshot returns the retained records, oldest first.
func (s *logStore) snapshot() []logRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		return append([]logRecord(nil), s.ring[:s.next]...)
	}
	out := make([]logRecord, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// close stops recording. logrus cannot remove a hook.
func (s *logStore) close() {
	s.stopped.Store(true)
}

func toRecord(entry *logrus.Entry) logRecord {
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		rec.Fields[k] = printable(v)
	}
	return rec
}

func printable(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
