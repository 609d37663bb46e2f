// Package reqstate tracks the lifecycle of asynchronous per-key requests.
// One Table drives id lookups, query lookups, and windowed query lookups
// alike: each key owns a record holding its status, an optional error, and a
// caller-defined payload.
//
// A Table is not safe for concurrent use. The owning repository serializes
// all access behind its own lock.
package reqstate

// Status is the lifecycle state of one keyed request.
type Status uint8

const (
	// None is the default for keys never written. It is synthesized on
	// read and never persisted.
	None Status = iota
	// InProgress marks a fetch currently in flight.
	InProgress
	// Done marks a successfully resolved request.
	Done
	// Error marks a failed request; the record carries the error.
	Error
	// NotFound marks a request whose subject does not exist upstream.
	// Terminal and not an error.
	NotFound
)

func (s Status) String() string {
	switch s {
	case None:
		return "none"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	case Error:
		return "error"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type record[S any] struct {
	status Status
	err    error
	state  S
}

// Table is a generic per-key request-state store. S is the payload attached
// to each record, built by the factory when the record is first materialized.
type Table[K comparable, S any] struct {
	records  map[K]*record[S]
	newState func() S
}

// NewTable returns an empty table. factory may be nil, in which case payloads
// start as the zero value of S.
func NewTable[K comparable, S any](factory func() S) *Table[K, S] {
	return &Table[K, S]{
		records:  make(map[K]*record[S]),
		newState: factory,
	}
}

func (t *Table[K, S]) materialize(k K) *record[S] {
	r, ok := t.records[k]
	if !ok {
		r = &record[S]{}
		if t.newState != nil {
			r.state = t.newState()
		}
		t.records[k] = r
	}
	return r
}

// Status returns the key's status, None for unknown keys. Never mutates the
// table.
func (t *Table[K, S]) Status(k K) Status {
	if r, ok := t.records[k]; ok {
		return r.status
	}
	return None
}

// Is reports whether the key's status equals any of the given statuses.
func (t *Table[K, S]) Is(k K, any ...Status) bool {
	cur := t.Status(k)
	for _, s := range any {
		if cur == s {
			return true
		}
	}
	return false
}

// Err returns the error recorded for the key, nil unless the status is Error.
func (t *Table[K, S]) Err(k K) error {
	if r, ok := t.records[k]; ok {
		return r.err
	}
	return nil
}

// Peek returns the key's payload without materializing a record.
func (t *Table[K, S]) Peek(k K) (S, bool) {
	if r, ok := t.records[k]; ok {
		return r.state, true
	}
	var zero S
	return zero, false
}

// State returns the key's payload, materializing the record (and building
// the payload via the factory) on first access.
func (t *Table[K, S]) State(k K) S {
	return t.materialize(k).state
}

// SetState replaces the key's payload.
func (t *Table[K, S]) SetState(k K, s S) {
	t.materialize(k).state = s
}

// SetStatus records a status transition. Any status other than Error clears
// a previously recorded error.
func (t *Table[K, S]) SetStatus(k K, s Status) {
	r := t.materialize(k)
	r.status = s
	if s != Error {
		r.err = nil
	}
}

// Fail records the Error status together with its cause.
func (t *Table[K, S]) Fail(k K, err error) {
	r := t.materialize(k)
	r.status = Error
	r.err = err
}

// Delete forgets the key entirely; its next read synthesizes None.
func (t *Table[K, S]) Delete(k K) {
	delete(t.records, k)
}

// Reset forgets every key.
func (t *Table[K, S]) Reset() {
	clear(t.records)
}

// ForEach visits every persisted record until fn returns false.
func (t *Table[K, S]) ForEach(fn func(k K, status Status, state S) bool) {
	for k, r := range t.records {
		if !fn(k, r.status, r.state) {
			return
		}
	}
}

// Len returns the number of persisted records.
func (t *Table[K, S]) Len() int { return len(t.records) }
