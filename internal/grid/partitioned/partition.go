package partitioned

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/gridsync/internal/grid"
)

type opKind int

const (
	opInvoke opKind = iota
	opGet
	opRemove
	opClear
)

type request struct {
	ctx        context.Context
	kind       opKind
	key        grid.Key
	namespace  string
	processor  grid.Processor
	invocation string
	replayOnly bool
	reply      chan response
}

type response struct {
	value   []byte
	err     error
	touched []string
}

type partition struct {
	id      int
	mailbox chan *request
	stopped chan struct{}

	mu           sync.Mutex
	primary      *replica
	backup       *replica
	transferring bool
}

func (p *partition) handle(req *request) response {
	if err := req.ctx.Err(); err != nil {
		return response{err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transferring {
		return response{err: grid.NewTransientError(fmt.Errorf("%w: partition %d", grid.ErrPartitionTransfer, p.id))}
	}
	switch req.kind {
	case opInvoke:
		return p.invoke(req)
	case opGet:
		value, ok := p.primary.get(req.key.Namespace, req.key.ID)
		if !ok {
			return response{err: grid.ErrNotFound}
		}
		return response{value: append([]byte{}, value...)}
	case opRemove:
		if _, ok := p.primary.get(req.key.Namespace, req.key.ID); !ok {
			return response{}
		}
		change := grid.Change{ID: req.key.ID, Removed: true}
		p.apply(req.key.Namespace, []grid.Change{change})
		return response{touched: []string{topic(req.key.Namespace, req.key.ID)}}
	case opClear:
		p.primary.clear(req.namespace)
		if p.backup != nil {
			p.backup.clear(req.namespace)
		}
		return response{}
	default:
		return response{err: fmt.Errorf("partitioned: unknown request kind %d", req.kind)}
	}
}

func (p *partition) invoke(req *request) response {
	if res, ok := p.primary.ledger.Lookup(req.invocation); ok {
		return response{value: append([]byte{}, res...)}
	}
	if req.replayOnly {
		return response{err: grid.ErrNotApplied}
	}
	ns := req.key.Namespace
	staging := grid.NewStaging(ns, req.key.RoutingKey(), func(id string) ([]byte, bool) {
		return p.primary.get(ns, id)
	})
	result, err := grid.Run(req.processor, staging.Entry(req.key.ID))
	if err != nil {
		return response{err: err}
	}
	if !staging.Dirty() {
		return response{value: result}
	}
	changes := staging.Changes()
	p.apply(ns, changes)
	p.primary.ledger.Record(req.invocation, result)
	if p.backup != nil {
		p.backup.ledger.Record(req.invocation, result)
	}
	touched := make([]string, 0, len(changes))
	for _, c := range changes {
		touched = append(touched, topic(ns, c.ID))
	}
	return response{value: result, touched: touched}
}

// apply writes changes to the primary and then the backup.
func (p *partition) apply(namespace string, changes []grid.Change) {
	for _, c := range changes {
		p.primary.put(namespace, c)
		if p.backup != nil {
			p.backup.put(namespace, c)
		}
	}
}

type replica struct {
	entries map[string]map[string][]byte
	ledger  *grid.Ledger
}

func newReplica(ledgerSize int) *replica {
	return &replica{
		entries: make(map[string]map[string][]byte),
		ledger:  grid.NewLedger(ledgerSize),
	}
}

func (r *replica) get(namespace, id string) ([]byte, bool) {
	v, ok := r.entries[namespace][id]
	return v, ok
}

func (r *replica) put(namespace string, c grid.Change) {
	ns := r.entries[namespace]
	if c.Removed {
		if ns != nil {
			delete(ns, c.ID)
			if len(ns) == 0 {
				delete(r.entries, namespace)
			}
		}
		return
	}
	if ns == nil {
		ns = make(map[string][]byte)
		r.entries[namespace] = ns
	}
	ns[c.ID] = append([]byte{}, c.Value...)
}

func (r *replica) clear(namespace string) {
	delete(r.entries, namespace)
}

func (r *replica) size() int {
	n := 0
	for _, ns := range r.entries {
		n += len(ns)
	}
	return n
}

func (r *replica) clone() *replica {
	out := &replica{
		entries: make(map[string]map[string][]byte, len(r.entries)),
		ledger:  r.ledger.Clone(),
	}
	for name, ns := range r.entries {
		copied := make(map[string][]byte, len(ns))
		for id, v := range ns {
			copied[id] = append([]byte{}, v...)
		}
		out.entries[name] = copied
	}
	return out
}
