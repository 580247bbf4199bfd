package semaphores

import (
	"fmt"

	"pkt.systems/gridsync/internal/evolvable"
)

// StatusImplVersion is the Status layout written by this release. Version 2
// added UpdatedAtUnixMilli.
const StatusImplVersion = 2

// Status is the store-side record of one distributed semaphore.
type Status struct {
	evolvable.Evolution

	// InitialPermits is the agreed capacity. It never changes after creation.
	InitialPermits int64
	// AvailablePermits is the number of permits not currently held.
	AvailablePermits int64
	// UpdatedAtUnixMilli records the last mutation (0 for version 1 records).
	UpdatedAtUnixMilli int64
}

// NewStatus returns a full semaphore with the given capacity.
func NewStatus(permits int64) *Status {
	return &Status{InitialPermits: permits, AvailablePermits: permits}
}

// ImplVersion implements evolvable.Record.
func (*Status) ImplVersion() int32 { return StatusImplVersion }

// AppendFields implements evolvable.Record.
func (s *Status) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, s.InitialPermits)
	enc.Int64(3, s.AvailablePermits)
	enc.Int64(4, s.UpdatedAtUnixMilli)
}

// DecodeField implements evolvable.Record.
func (s *Status) DecodeField(version int32, f evolvable.Field) (bool, error) {
	var err error
	switch {
	case f.Num == 2:
		s.InitialPermits, err = f.Int64()
	case f.Num == 3:
		s.AvailablePermits, err = f.Int64()
	case f.Num == 4 && version >= 2:
		s.UpdatedAtUnixMilli, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}

// Held returns the number of permits currently acquired.
func (s *Status) Held() int64 {
	return s.InitialPermits - s.AvailablePermits
}

// Validate checks 0 <= available <= initial.
func (s *Status) Validate() error {
	if s.InitialPermits < 0 || s.AvailablePermits < 0 || s.AvailablePermits > s.InitialPermits {
		return fmt.Errorf("semaphores: corrupt status: available=%d initial=%d", s.AvailablePermits, s.InitialPermits)
	}
	return nil
}

// EncodeStatus serialises s.
func EncodeStatus(s *Status) []byte {
	return evolvable.Marshal(s)
}

// DecodeStatus parses a status record of any known version.
func DecodeStatus(data []byte) (*Status, error) {
	s := &Status{}
	if _, err := evolvable.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("semaphores: decode status: %w", err)
	}
	return s, nil
}
