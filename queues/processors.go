package queues

import (
	"pkt.systems/gridsync/internal/evolvable"
	"pkt.systems/gridsync/internal/grid"
)

// Pointer encoding: the head pointer holds the position just before the first
// element and the tail pointer the position just after the last one, so every
// element lies strictly between them and the queue is empty when they are
// adjacent. Absent pointers read as head 0 and tail 1. A queue that becomes
// empty drops both pointers, so an idle queue leaves no entries behind.
const (
	defaultHead int64 = 0
	defaultTail int64 = 1
)

// cursor is a processor's view of one queue's pointers and elements.
type cursor struct {
	queue    string
	headE    grid.Entry
	tailE    grid.Entry
	head     int64
	tail     int64
	tailSide bool
	headSide bool
}

func openCursor(e grid.Entry) (*cursor, error) {
	key, err := ParseStorageID(e.Key().ID)
	if err != nil {
		return nil, err
	}
	c := &cursor{
		queue:    key.Queue,
		headE:    e.Related(HeadKey(key.Queue).StorageID()),
		tailE:    e.Related(TailKey(key.Queue).StorageID()),
		head:     defaultHead,
		tail:     defaultTail,
		tailSide: key.IsTail(),
		headSide: key.IsHead(),
	}
	if c.headE.Present() {
		var p pointer
		if err := decodeRecord(c.headE.Value(), &p, "head pointer"); err != nil {
			return nil, err
		}
		c.head = p.Position
	}
	if c.tailE.Present() {
		var p pointer
		if err := decodeRecord(c.tailE.Value(), &p, "tail pointer"); err != nil {
			return nil, err
		}
		c.tail = p.Position
	}
	return c, nil
}

func (c *cursor) size() int64 {
	return c.tail - c.head - 1
}

func (c *cursor) element(position int64) grid.Entry {
	return c.headE.Related(QueueKey{Queue: c.queue, Position: position}.StorageID())
}

// target returns the position peek or poll reads: the newest element for the
// tail side, otherwise the oldest.
func (c *cursor) target() int64 {
	if c.tailSide {
		return c.tail - 1
	}
	return c.head + 1
}

func (c *cursor) store() {
	if c.size() == 0 {
		c.headE.Remove()
		c.tailE.Remove()
		return
	}
	c.headE.SetValue(evolvable.Marshal(&pointer{Position: c.head}))
	c.tailE.SetValue(evolvable.Marshal(&pointer{Position: c.tail}))
}

// PeekProcessor reads the element at the head (or, for an IDTail key, the
// most recently offered element) without changing the queue.
type PeekProcessor struct{}

// Process implements grid.Processor.
func (PeekProcessor) Process(e grid.Entry) ([]byte, error) {
	c, err := openCursor(e)
	if err != nil {
		return nil, err
	}
	res := &QueuePollResult{Remaining: c.size()}
	if c.size() > 0 {
		pos := c.target()
		if el := c.element(pos); el.Present() {
			res.Present = true
			res.Position = pos
			res.Element = el.Value()
		}
	}
	return evolvable.Marshal(res), nil
}

// ProcessorName labels the processor in logs.
func (PeekProcessor) ProcessorName() string { return "queues.peek" }

// ImplVersion implements evolvable.Record.
func (PeekProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record. Peek carries no fields.
func (PeekProcessor) AppendFields(*evolvable.Encoder) {}

// DecodeField implements evolvable.Record.
func (PeekProcessor) DecodeField(int32, evolvable.Field) (bool, error) { return false, nil }

// PollProcessor removes and returns the element Peek would report, moving the
// matching pointer past it in the same step.
type PollProcessor struct{}

// Process implements grid.Processor.
func (PollProcessor) Process(e grid.Entry) ([]byte, error) {
	c, err := openCursor(e)
	if err != nil {
		return nil, err
	}
	if c.size() <= 0 {
		return evolvable.Marshal(&QueuePollResult{}), nil
	}
	pos := c.target()
	el := c.element(pos)
	res := &QueuePollResult{Present: el.Present(), Position: pos, Element: el.Value()}
	el.Remove()
	if c.tailSide {
		c.tail--
	} else {
		c.head++
	}
	c.store()
	res.Remaining = c.size()
	return evolvable.Marshal(res), nil
}

// ProcessorName labels the processor in logs.
func (PollProcessor) ProcessorName() string { return "queues.poll" }

// ImplVersion implements evolvable.Record.
func (PollProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record. Poll carries no fields.
func (PollProcessor) AppendFields(*evolvable.Encoder) {}

// DecodeField implements evolvable.Record.
func (PollProcessor) DecodeField(int32, evolvable.Field) (bool, error) { return false, nil }

// OfferProcessor appends Element at the tail. Addressed to the IDHead key it
// prepends instead. With MaxSize above zero a full queue rejects the offer.
type OfferProcessor struct {
	Element []byte
	MaxSize int64
}

// Process implements grid.Processor.
func (p *OfferProcessor) Process(e grid.Entry) ([]byte, error) {
	c, err := openCursor(e)
	if err != nil {
		return nil, err
	}
	if p.MaxSize > 0 && c.size() >= p.MaxSize {
		return evolvable.Marshal(&QueueOfferResult{Size: c.size()}), nil
	}
	var pos int64
	if c.headSide {
		pos = c.head
		c.head--
	} else {
		pos = c.tail
		c.tail++
	}
	c.element(pos).SetValue(p.Element)
	c.store()
	return evolvable.Marshal(&QueueOfferResult{Accepted: true, Position: pos, Size: c.size()}), nil
}

// ProcessorName labels the processor in logs.
func (*OfferProcessor) ProcessorName() string { return "queues.offer" }

// ImplVersion implements evolvable.Record.
func (*OfferProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record.
func (p *OfferProcessor) AppendFields(enc *evolvable.Encoder) {
	enc.Bytes(2, p.Element)
	enc.Int64(3, p.MaxSize)
}

// DecodeField implements evolvable.Record.
func (p *OfferProcessor) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		p.Element, err = f.Bytes()
	case 3:
		p.MaxSize, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}

// DestroyProcessor removes every element and both pointers of a queue.
type DestroyProcessor struct{}

// Process implements grid.Processor.
func (DestroyProcessor) Process(e grid.Entry) ([]byte, error) {
	c, err := openCursor(e)
	if err != nil {
		return nil, err
	}
	removed := c.size()
	for pos := c.head + 1; pos < c.tail; pos++ {
		c.element(pos).Remove()
	}
	c.head, c.tail = defaultHead, defaultTail
	c.store()
	return evolvable.Marshal(&QueueOfferResult{Size: removed}), nil
}

// ProcessorName labels the processor in logs.
func (DestroyProcessor) ProcessorName() string { return "queues.destroy" }

// ImplVersion implements evolvable.Record.
func (DestroyProcessor) ImplVersion() int32 { return 1 }

// AppendFields implements evolvable.Record. Destroy carries no fields.
func (DestroyProcessor) AppendFields(*evolvable.Encoder) {}

// DecodeField implements evolvable.Record.
func (DestroyProcessor) DecodeField(int32, evolvable.Field) (bool, error) { return false, nil }
