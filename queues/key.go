package queues

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"pkt.systems/gridsync/internal/grid"
)

const (
	// IDHead addresses the head pointer of a queue.
	IDHead int64 = math.MinInt64
	// IDTail addresses the tail pointer of a queue.
	IDTail int64 = math.MaxInt64
)

// Namespace holds every queue entry.
const Namespace = "queues"

const positionSeparator = "#"

// QueueKey identifies one slot of a named queue. Position IDHead or IDTail
// addresses the pointer metadata instead of an element.
type QueueKey struct {
	Queue    string
	Position int64
}

// HeadKey returns the key addressing the head of queue.
func HeadKey(queue string) QueueKey {
	return QueueKey{Queue: queue, Position: IDHead}
}

// TailKey returns the key addressing the tail of queue.
func TailKey(queue string) QueueKey {
	return QueueKey{Queue: queue, Position: IDTail}
}

// IsHead reports whether k addresses the head pointer.
func (k QueueKey) IsHead() bool { return k.Position == IDHead }

// IsTail reports whether k addresses the tail pointer.
func (k QueueKey) IsTail() bool { return k.Position == IDTail }

// StorageID is the grid entry id for k.
func (k QueueKey) StorageID() string {
	return k.Queue + positionSeparator + strconv.FormatInt(k.Position, 10)
}

// GridKey returns the grid key for k, routed by queue name so every entry of
// one queue is co-resident.
func (k QueueKey) GridKey() grid.Key {
	return grid.Key{Namespace: Namespace, ID: k.StorageID(), Affinity: k.Queue}
}

// At returns the key for another position in the same queue.
func (k QueueKey) At(position int64) QueueKey {
	return QueueKey{Queue: k.Queue, Position: position}
}

func (k QueueKey) String() string {
	switch k.Position {
	case IDHead:
		return k.Queue + "[head]"
	case IDTail:
		return k.Queue + "[tail]"
	default:
		return fmt.Sprintf("%s[%d]", k.Queue, k.Position)
	}
}

// ParseStorageID reverses StorageID.
func ParseStorageID(id string) (QueueKey, error) {
	idx := strings.LastIndex(id, positionSeparator)
	if idx <= 0 {
		return QueueKey{}, fmt.Errorf("queues: malformed entry id %q", id)
	}
	pos, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return QueueKey{}, fmt.Errorf("queues: malformed entry id %q: %w", id, err)
	}
	return QueueKey{Queue: id[:idx], Position: pos}, nil
}

func checkQueueName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: queue name required", ErrInvalidArgument)
	}
	return nil
}
