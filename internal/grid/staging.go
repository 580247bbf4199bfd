package grid

import (
	"fmt"
	"runtime/debug"
)

// Change is one write produced by a processor run.
type Change struct {
	ID      string
	Value   []byte
	Removed bool
}

// Staging collects the writes a processor makes to one routing group. Engines
// build one per invocation, hand Entry(id) to the processor and apply
// Changes() once it succeeds.
type Staging struct {
	namespace string
	routing   string
	load      func(id string) ([]byte, bool)
	writes    map[string]*stagedWrite
	order     []string
}

type stagedWrite struct {
	value   []byte
	removed bool
}

// NewStaging returns a staging area reading committed values through load.
func NewStaging(namespace, routing string, load func(id string) ([]byte, bool)) *Staging {
	return &Staging{
		namespace: namespace,
		routing:   routing,
		load:      load,
		writes:    make(map[string]*stagedWrite),
	}
}

// Entry returns the processor view of id.
func (s *Staging) Entry(id string) Entry {
	return &stagedEntry{staging: s, key: Key{Namespace: s.namespace, ID: id, Affinity: s.routing}}
}

// Changes returns the staged writes in first-touch order.
func (s *Staging) Changes() []Change {
	out := make([]Change, 0, len(s.order))
	for _, id := range s.order {
		w := s.writes[id]
		out = append(out, Change{ID: id, Value: w.value, Removed: w.removed})
	}
	return out
}

// Dirty reports whether any write was staged.
func (s *Staging) Dirty() bool {
	return len(s.order) > 0
}

func (s *Staging) stage(id string, value []byte, removed bool) {
	w, ok := s.writes[id]
	if !ok {
		w = &stagedWrite{}
		s.writes[id] = w
		s.order = append(s.order, id)
	}
	w.value = value
	w.removed = removed
}

func (s *Staging) current(id string) ([]byte, bool) {
	if w, ok := s.writes[id]; ok {
		if w.removed {
			return nil, false
		}
		return w.value, true
	}
	return s.load(id)
}

type stagedEntry struct {
	staging *Staging
	key     Key
}

func (e *stagedEntry) Key() Key { return e.key }

func (e *stagedEntry) Present() bool {
	_, ok := e.staging.current(e.key.ID)
	return ok
}

func (e *stagedEntry) Value() []byte {
	v, _ := e.staging.current(e.key.ID)
	return v
}

func (e *stagedEntry) SetValue(value []byte) {
	e.staging.stage(e.key.ID, append([]byte{}, value...), false)
}

func (e *stagedEntry) Remove() {
	e.staging.stage(e.key.ID, nil, true)
}

func (e *stagedEntry) Related(id string) Entry {
	return e.staging.Entry(id)
}

// Run executes p against entry and converts a processor panic into an error.
func Run(p Processor, entry Entry) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("grid: processor %T panicked on %s: %v\n%s", p, entry.Key(), r, debug.Stack())
		}
	}()
	return p.Process(entry)
}
