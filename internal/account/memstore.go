package account

import "sync"

// InMemoryPersister is a Persister backed by a plain map, used in tests and
// as the seed loader when a config-provided account list should not
// require a sqlite file on disk.
type InMemoryPersister struct {
	mu   sync.Mutex
	rows map[string]Account
}

// NewInMemoryPersister seeds the persister with the given accounts.
func NewInMemoryPersister(seed []Account) *InMemoryPersister {
	p := &InMemoryPersister{rows: make(map[string]Account, len(seed))}
	for _, a := range seed {
		p.rows[a.ID] = a
	}
	return p
}

func (p *InMemoryPersister) LoadAll() ([]Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.rows))
	for _, a := range p.rows {
		out = append(out, a)
	}
	return out, nil
}

func (p *InMemoryPersister) Save(a Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[a.ID] = a
	return nil
}
