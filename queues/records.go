package queues

import (
	"fmt"

	"pkt.systems/gridsync/internal/evolvable"
)

// QueuePollResult is returned by peek and poll. An empty result has Present
// false; otherwise Element holds the value found at Position. Remaining is
// the number of elements left after the operation.
type QueuePollResult struct {
	evolvable.Evolution

	Present   bool
	Position  int64
	Element   []byte
	Remaining int64
}

// IsEmpty reports whether no element was found.
func (r *QueuePollResult) IsEmpty() bool {
	return !r.Present
}

// QueueEmpty reports whether the queue holds no elements after the operation.
func (r *QueuePollResult) QueueEmpty() bool {
	return r.Remaining == 0
}

// ImplVersion implements evolvable.Record.
func (*QueuePollResult) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (r *QueuePollResult) AppendFields(enc *evolvable.Encoder) {
	enc.Bool(2, r.Present)
	enc.Int64(3, r.Position)
	if r.Present {
		enc.Bytes(4, r.Element)
	}
	enc.Int64(5, r.Remaining)
}

// DecodeField implements evolvable.Record.
func (r *QueuePollResult) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		r.Present, err = f.Bool()
	case 3:
		r.Position, err = f.Int64()
	case 4:
		r.Element, err = f.Bytes()
	case 5:
		r.Remaining, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}

// QueueOfferResult is returned by offer.
type QueueOfferResult struct {
	evolvable.Evolution

	Accepted bool
	Position int64
	Size     int64
}

// ImplVersion implements evolvable.Record.
func (*QueueOfferResult) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (r *QueueOfferResult) AppendFields(enc *evolvable.Encoder) {
	enc.Bool(2, r.Accepted)
	enc.Int64(3, r.Position)
	enc.Int64(4, r.Size)
}

// DecodeField implements evolvable.Record.
func (r *QueueOfferResult) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		r.Accepted, err = f.Bool()
	case 3:
		r.Position, err = f.Int64()
	case 4:
		r.Size, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}

// pointer is the value stored at a queue's head or tail sentinel.
type pointer struct {
	evolvable.Evolution

	Position int64
}

func (*pointer) ImplVersion() int32 { return 1 }

func (p *pointer) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, p.Position)
}

func (p *pointer) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	if f.Num != 2 {
		return false, nil
	}
	var err error
	p.Position, err = f.Int64()
	return true, err
}

func decodeRecord(data []byte, r evolvable.Record, what string) error {
	if _, err := evolvable.Unmarshal(data, r); err != nil {
		return fmt.Errorf("queues: decode %s: %w", what, err)
	}
	return nil
}
