package grid

// LedgerEntry is one recorded invocation result.
type LedgerEntry struct {
	ID     string
	Result []byte
}

// Ledger remembers the results of the most recent invocations so a retried
// invocation returns the original result. It evicts the oldest entries once
// Limit is exceeded. Ledger is not safe for concurrent use; engines guard it
// with the partition or group that owns it.
type Ledger struct {
	limit   int
	order   []string
	results map[string][]byte
}

// DefaultLedgerLimit is used when NewLedger receives a non-positive limit.
const DefaultLedgerLimit = 1024

// NewLedger constructs an empty ledger bounded to limit entries.
func NewLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultLedgerLimit
	}
	return &Ledger{limit: limit, results: make(map[string][]byte)}
}

// Lookup returns the recorded result for id.
func (l *Ledger) Lookup(id string) ([]byte, bool) {
	if id == "" {
		return nil, false
	}
	res, ok := l.results[id]
	return res, ok
}

// Record stores result under id, evicting the oldest entries past the limit.
func (l *Ledger) Record(id string, result []byte) {
	if id == "" {
		return
	}
	if _, ok := l.results[id]; !ok {
		l.order = append(l.order, id)
	}
	l.results[id] = append([]byte{}, result...)
	for len(l.order) > l.limit {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.results, oldest)
	}
}

// Len returns the number of recorded invocations.
func (l *Ledger) Len() int {
	return len(l.order)
}

// Entries returns the recorded invocations oldest first.
func (l *Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, LedgerEntry{ID: id, Result: l.results[id]})
	}
	return out
}

// Clone returns an independent copy.
func (l *Ledger) Clone() *Ledger {
	out := NewLedger(l.limit)
	for _, e := range l.Entries() {
		out.Record(e.ID, e.Result)
	}
	return out
}
