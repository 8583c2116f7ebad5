package relay

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"
)

// Store keeps packets in memory. All methods are safe for concurrent use and
// return copies.
type Store struct {
	mu      sync.RWMutex
	packets map[string]Packet
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		packets: make(map[string]Packet),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a packet built from d, replacing any packet with the same id.
func (s *Store) Create(d Draft) Packet {
	p, _ := s.Upsert(d)
	return p
}

// Upsert is Create that also reports whether a packet with the same id was
// replaced. A replacement keeps the existing createdAt and status, and the
// existing notes when d has none, so a re-posted packet does not undo an
// operator's PATCH.
func (s *Store) Upsert(d Draft) (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := d.ID
	if id == "" {
		id = NewID()
	}
	p := d.packet(id, s.now())
	prev, replaced := s.packets[id]
	if replaced {
		p.CreatedAt = prev.CreatedAt
		p.Status = prev.Status
		if p.Notes == "" {
			p.Notes = prev.Notes
		}
	}
	s.packets[id] = p
	return p.clone(), replaced
}

func (s *Store) Get(id string) (Packet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packets[id]
	if !ok {
		return Packet{}, false
	}
	return p.clone(), true
}

// List returns all packets, most recently updated first.
func (s *Store) List() []Packet {
	s.mu.RLock()
	out := make([]Packet, 0, len(s.packets))
	for _, p := range s.packets {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()
	SortRecent(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.packets)
}

func (s *Store) Update(id string, patch Patch) (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packets[id]
	if !ok {
		return Packet{}, ErrNotFound
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	p.UpdatedAt = s.now()
	s.packets[id] = p
	return p.clone(), nil
}

func (s *Store) Delete(id string) (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packets[id]
	if !ok {
		return Packet{}, ErrNotFound
	}
	delete(s.packets, id)
	return p.clone(), nil
}

// Put inserts fully formed packets, keeping their status and notes.
func (s *Store) Put(packets ...Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, p := range packets {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.packets[p.ID] = p.clone()
	}
}

// SortRecent orders packets by updatedAt descending, then by id.
func SortRecent(ps []Packet) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].UpdatedAt.After(ps[j].UpdatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns "relay_" followed by six random lowercase alphanumerics.
func NewID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return "relay_" + string(b[:])
}
