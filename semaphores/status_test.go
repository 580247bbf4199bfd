package semaphores

import (
	"testing"

	"pkt.systems/gridsync/internal/evolvable"
)

// statusV1 is the original two-field layout.
type statusV1 struct {
	Initial   int64
	Available int64
}

func (*statusV1) ImplVersion() int32 { return 1 }

func (s *statusV1) AppendFields(enc *evolvable.Encoder) {
	enc.Int64(2, s.Initial)
	enc.Int64(3, s.Available)
}

func (s *statusV1) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		s.Initial, err = f.Int64()
	case 3:
		s.Available, err = f.Int64()
	default:
		return false, nil
	}
	return true, err
}

func TestDecodeVersionOneStatus(t *testing.T) {
	data := evolvable.Marshal(&statusV1{Initial: 4, Available: 1})
	st, err := DecodeStatus(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.InitialPermits != 4 || st.AvailablePermits != 1 || st.UpdatedAtUnixMilli != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.DataVersion() != 1 {
		t.Fatalf("expected data version 1, got %d", st.DataVersion())
	}
	if st.Held() != 3 {
		t.Fatalf("expected 3 held, got %d", st.Held())
	}
}

func TestStatusRoundTripKeepsAllFields(t *testing.T) {
	in := &Status{InitialPermits: 5, AvailablePermits: 2, UpdatedAtUnixMilli: 1700000000000}
	out, err := DecodeStatus(EncodeStatus(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InitialPermits != 5 || out.AvailablePermits != 2 || out.UpdatedAtUnixMilli != 1700000000000 {
		t.Fatalf("unexpected status: %+v", out)
	}
}

func TestStatusValidate(t *testing.T) {
	if err := (&Status{InitialPermits: 2, AvailablePermits: 3}).Validate(); err == nil {
		t.Fatal("expected available above initial to be rejected")
	}
	if err := (&Status{InitialPermits: 2, AvailablePermits: -1}).Validate(); err == nil {
		t.Fatal("expected negative available to be rejected")
	}
	if err := NewStatus(2).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
