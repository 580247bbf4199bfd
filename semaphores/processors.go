package semaphores

import (
	"fmt"

	"pkt.systems/gridsync/internal/evolvable"
	"pkt.systems/gridsync/internal/grid"
)

// transitioner is a pure status mutation. apply receives the current record
// (nil when the entry is absent) and returns the record to store (nil leaves
// the entry untouched) plus the outcome reported to the caller.
type transitioner interface {
	apply(current *Status) (next *Status, out Outcome)
}

// runTransition adapts a transitioner to a grid entry.
func runTransition(e grid.Entry, t transitioner) ([]byte, error) {
	var current *Status
	if e.Present() {
		decoded, err := DecodeStatus(e.Value())
		if err != nil {
			return nil, err
		}
		current = decoded
	}
	next, out := t.apply(current)
	if next != nil {
		if err := next.Validate(); err != nil {
			return nil, err
		}
		e.SetValue(EncodeStatus(next))
	}
	return evolvable.Marshal(&out), nil
}

// Outcome is the result record returned by every semaphore processor.
type Outcome struct {
	evolvable.Evolution

	// OK reports whether the operation took effect.
	OK bool
	// Value is operation specific: initial permits for ensure, available
	// permits after try-acquire and release, drained permits for drain.
	Value int64
	// Initial is the capacity of the semaphore.
	Initial int64
	// Missing reports that no status record exists.
	Missing bool
	// Created reports that ensure created the record.
	Created bool
}

// ImplVersion implements evolvable.Record.
func (*Outcome) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (o *Outcome) AppendFields(enc *evolvable.Encoder) {
	enc.Bool(2, o.OK)
	enc.Int64(3, o.Value)
	enc.Int64(4, o.Initial)
	enc.Bool(5, o.Missing)
	enc.Bool(6, o.Created)
}

// DecodeField implements evolvable.Record.
func (o *Outcome) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		o.OK, err = f.Bool()
	case 3:
		o.Value, err = f.Int64()
	case 4:
		o.Initial, err = f.Int64()
	case 5:
		o.Missing, err = f.Bool()
	case 6:
		o.Created, err = f.Bool()
	default:
		return false, nil
	}
	return true, err
}

func decodeOutcome(data []byte) (Outcome, error) {
	var out Outcome
	if _, err := evolvable.Unmarshal(data, &out); err != nil {
		return Outcome{}, fmt.Errorf("semaphores: decode outcome: %w", err)
	}
	return out, nil
}

// EnsureProcessor creates the status with Permits when absent and reports the
// stored initial permits either way. It never modifies an existing record.
type EnsureProcessor struct {
	Permits  int64
	NowMilli int64
}

func (p *EnsureProcessor) apply(current *Status) (*Status, Outcome) {
	if current != nil {
		return nil, Outcome{OK: true, Value: current.InitialPermits, Initial: current.InitialPermits}
	}
	next := NewStatus(p.Permits)
	next.UpdatedAtUnixMilli = p.NowMilli
	return next, Outcome{OK: true, Value: p.Permits, Initial: p.Permits, Created: true}
}

// Process implements grid.Processor.
func (p *EnsureProcessor) Process(e grid.Entry) ([]byte, error) { return runTransition(e, p) }

// ProcessorName labels the processor in logs.
func (*EnsureProcessor) ProcessorName() string { return "semaphores.ensure" }

// ImplVersion implements evolvable.Record.
func (*EnsureProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (p *EnsureProcessor) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, p.Permits)
	enc.Int64(3, p.NowMilli)
}

// DecodeField implements evolvable.Record.
func (p *EnsureProcessor) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	return decodePermitFields(f, &p.Permits, &p.NowMilli)
}

// TryAcquireProcessor takes Permits when enough are available and otherwise
// leaves the record untouched.
type TryAcquireProcessor struct {
	Permits  int64
	NowMilli int64
}

func (p *TryAcquireProcessor) apply(current *Status) (*Status, Outcome) {
	if current == nil {
		return nil, Outcome{Missing: true}
	}
	if current.AvailablePermits < p.Permits {
		return nil, Outcome{Value: current.AvailablePermits, Initial: current.InitialPermits}
	}
	next := *current
	next.AvailablePermits -= p.Permits
	next.UpdatedAtUnixMilli = p.NowMilli
	return &next, Outcome{OK: true, Value: next.AvailablePermits, Initial: next.InitialPermits}
}

// Process implements grid.Processor.
func (p *TryAcquireProcessor) Process(e grid.Entry) ([]byte, error) { return runTransition(e, p) }

// ProcessorName labels the processor in logs.
func (*TryAcquireProcessor) ProcessorName() string { return "semaphores.try_acquire" }

// ImplVersion implements evolvable.Record.
func (*TryAcquireProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (p *TryAcquireProcessor) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, p.Permits)
	enc.Int64(3, p.NowMilli)
}

// DecodeField implements evolvable.Record.
func (p *TryAcquireProcessor) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	return decodePermitFields(f, &p.Permits, &p.NowMilli)
}

// ReleaseProcessor returns Permits. A release that would exceed the initial
// capacity is rejected and the record is left untouched.
type ReleaseProcessor struct {
	Permits  int64
	NowMilli int64
}

func (p *ReleaseProcessor) apply(current *Status) (*Status, Outcome) {
	if current == nil {
		return nil, Outcome{Missing: true}
	}
	if p.Permits > current.InitialPermits-current.AvailablePermits {
		return nil, Outcome{Value: current.AvailablePermits, Initial: current.InitialPermits}
	}
	next := *current
	next.AvailablePermits += p.Permits
	next.UpdatedAtUnixMilli = p.NowMilli
	return &next, Outcome{OK: true, Value: next.AvailablePermits, Initial: next.InitialPermits}
}

// Process implements grid.Processor.
func (p *ReleaseProcessor) Process(e grid.Entry) ([]byte, error) { return runTransition(e, p) }

// ProcessorName labels the processor in logs.
func (*ReleaseProcessor) ProcessorName() string { return "semaphores.release" }

// ImplVersion implements evolvable.Record.
func (*ReleaseProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (p *ReleaseProcessor) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, p.Permits)
	enc.Int64(3, p.NowMilli)
}

// DecodeField implements evolvable.Record.
func (p *ReleaseProcessor) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	return decodePermitFields(f, &p.Permits, &p.NowMilli)
}

// DrainProcessor acquires every available permit and reports how many.
type DrainProcessor struct {
	NowMilli int64
}

func (p *DrainProcessor) apply(current *Status) (*Status, Outcome) {
	if current == nil {
		return nil, Outcome{Missing: true}
	}
	drained := current.AvailablePermits
	if drained == 0 {
		return nil, Outcome{OK: true, Initial: current.InitialPermits}
	}
	next := *current
	next.AvailablePermits = 0
	next.UpdatedAtUnixMilli = p.NowMilli
	return &next, Outcome{OK: true, Value: drained, Initial: next.InitialPermits}
}

// Process implements grid.Processor.
func (p *DrainProcessor) Process(e grid.Entry) ([]byte, error) { return runTransition(e, p) }

// ProcessorName labels the processor in logs.
func (*DrainProcessor) ProcessorName() string { return "semaphores.drain" }

// ImplVersion implements evolvable.Record.
func (*DrainProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (p *DrainProcessor) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(3, p.NowMilli)
}

// DecodeField implements evolvable.Record.
func (p *DrainProcessor) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	if f.Num != 3 {
		return false, nil
	}
	var err error
	p.NowMilli, err = f.Int64()
	return true, err
}

func decodePermitFields(f evolvable.Field, permits, now *int64) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		*permits, err = f.Int64()
	case 3:
		*now, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}
