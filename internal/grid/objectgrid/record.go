package objectgrid

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"pkt.systems/gridsync/internal/evolvable"
	"pkt.systems/gridsync/internal/grid"
)

const groupImplVersion = 1

// group is the stored form of one routing group: every entry sharing a
// namespace and routing key, plus the invocation ledger guarding them.
type group struct {
	evolvable.Evolution

	entries map[string][]byte
	ledger  *grid.Ledger
}

func newGroup(ledgerSize int) *group {
	return &group{entries: make(map[string][]byte), ledger: grid.NewLedger(ledgerSize)}
}

func (*group) ImplVersion() int32 { return groupImplVersion }

func (g *group) AppendFields(enc *evolvable.Encoder) {
	ids := make([]string, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		enc.Record(2, &pair{Name: id, Data: g.entries[id]})
	}
	for _, e := range g.ledger.Entries() {
		enc.Record(3, &pair{Name: e.ID, Data: e.Result})
	}
}

func (g *group) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	switch f.Num {
	case 2:
		p := &pair{}
		if err := f.Record(p); err != nil {
			return true, err
		}
		g.entries[p.Name] = p.Data
	case 3:
		p := &pair{}
		if err := f.Record(p); err != nil {
			return true, err
		}
		g.ledger.Record(p.Name, p.Data)
	default:
		return false, nil
	}
	return true, nil
}

func (g *group) load(id string) ([]byte, bool) {
	v, ok := g.entries[id]
	return v, ok
}

func (g *group) apply(changes []grid.Change) {
	for _, c := range changes {
		if c.Removed {
			delete(g.entries, c.ID)
			continue
		}
		g.entries[c.ID] = c.Value
	}
}

// pair is a named blob: an entry or a ledger result.
type pair struct {
	Name string
	Data []byte
}

func (*pair) ImplVersion() int32 { return 1 }

func (p *pair) AppendFields(enc *evolvable.Encoder) {
	enc.Text(2, p.Name)
	enc.Bytes(3, p.Data)
}

func (p *pair) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		p.Name, err = f.Text()
	case 3:
		p.Data, err = f.Bytes()
	default:
		return false, nil
	}
	return true, err
}

func decodeGroup(data []byte, ledgerSize int) (*group, error) {
	g := newGroup(ledgerSize)
	if len(data) == 0 {
		return g, nil
	}
	if _, err := evolvable.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("objectgrid: decode group: %w", err)
	}
	return g, nil
}

// objectKey maps a namespace and routing key onto one flat object key.
func objectKey(namespace, routing string) string {
	return namespacePrefix(namespace) + escapeSegment(routing)
}

func namespacePrefix(namespace string) string {
	return escapeSegment(namespace) + "/"
}

func escapeSegment(s string) string {
	escaped := url.PathEscape(s)
	if strings.Trim(escaped, ".") == "" {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}
