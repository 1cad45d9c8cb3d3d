package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"crypto-stats-stream/internal/domain"
)

// ServerError is a diagnostic sent by the server before it closes the session.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Entry is one reconciled record.
type Entry struct {
	ID        string
	Timestamp int64
	Raw       json.RawMessage
}

// Reconciler maintains a client-side view of a channel by record identity:
// init replaces the view, insert/update/replace upsert by id and delete removes.
// For the price family it keeps the latest update.
type Reconciler struct {
	family domain.Family

	mu      sync.RWMutex
	records map[string]Entry
	latest  json.RawMessage
}

// NewReconciler creates a Reconciler for a family.
func NewReconciler(f domain.Family) *Reconciler {
	return &Reconciler{family: f, records: make(map[string]Entry)}
}

type identity struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Apply folds one frame into the view. An errorMsg frame returns *ServerError.
func (r *Reconciler) Apply(f domain.Frame) error {
	if f.Event == domain.EventErrorMsg {
		var m domain.ErrorMessage
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return fmt.Errorf("decode errorMsg: %w", err)
		}
		return &ServerError{Message: m.Message}
	}

	if r.family == domain.FamilyPrice {
		if f.Event != domain.EventUpdate {
			return fmt.Errorf("unexpected %q event on price channel", f.Event)
		}
		r.mu.Lock()
		r.latest = append(json.RawMessage(nil), f.Data...)
		r.mu.Unlock()
		return nil
	}

	if f.Event == domain.EventInit {
		var items []json.RawMessage
		if err := json.Unmarshal(f.Data, &items); err != nil {
			return fmt.Errorf("decode init: %w", err)
		}
		records := make(map[string]Entry, len(items))
		for _, raw := range items {
			e, err := entry(raw)
			if err != nil {
				return err
			}
			records[e.ID] = e
		}
		r.mu.Lock()
		r.records = records
		r.mu.Unlock()
		return nil
	}

	op := domain.OpKind(f.Event)
	if !op.Valid() {
		return fmt.Errorf("unknown event %q", f.Event)
	}
	e, err := entry(f.Data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if op == domain.OpDelete {
		delete(r.records, e.ID)
	} else {
		r.records[e.ID] = e
	}
	return nil
}

func entry(raw json.RawMessage) (Entry, error) {
	var id identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Entry{}, fmt.Errorf("decode record: %w", err)
	}
	if id.ID == "" {
		return Entry{}, fmt.Errorf("record without id: %s", raw)
	}
	return Entry{ID: id.ID, Timestamp: id.Timestamp, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// Entries returns the current view ordered by timestamp, then id.
func (r *Reconciler) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.records))
	for _, e := range r.records {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Latest returns the last price update, or nil before the first one.
func (r *Reconciler) Latest() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
