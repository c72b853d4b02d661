package identity

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Snapshot is a consistent copy of the registry's current selection.
type Snapshot struct {
	Network    Network
	Identities [SlotCount]Identity
	ActiveSlot int
}

// Accounts returns the addresses in slot order.
func (s Snapshot) Accounts() []string {
	accounts := make([]string, 0, SlotCount)
	for _, id := range s.Identities {
		accounts = append(accounts, id.Address)
	}
	return accounts
}

// Active returns the identity in the active slot.
func (s Snapshot) Active() Identity {
	return s.Identities[s.ActiveSlot]
}

// Registry holds the current network, its two identities and the active
// slot. SwitchTo is the only mutator.
type Registry struct {
	deriver Deriver

	mu         sync.RWMutex
	cache      map[Network][SlotCount]Identity
	network    Network
	identities [SlotCount]Identity
	active     int
}

// NewRegistry derives the identities of network and selects activeSlot.
func NewRegistry(deriver Deriver, network Network, activeSlot int) (*Registry, error) {
	r := &Registry{
		deriver: deriver,
		cache:   make(map[Network][SlotCount]Identity),
	}
	if _, err := r.SwitchTo(network, activeSlot); err != nil {
		return nil, err
	}
	return r, nil
}

// Identities returns the two identities of a network without changing the
// current selection.
func (r *Registry) Identities(network Network) ([SlotCount]Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identitiesLocked(network)
}

func (r *Registry) identitiesLocked(network Network) ([SlotCount]Identity, error) {
	if ids, ok := r.cache[network]; ok {
		return ids, nil
	}
	var ids [SlotCount]Identity
	for slot := range ids {
		id, err := r.deriver.Derive(network, slot)
		if err != nil {
			return ids, err
		}
		ids[slot] = id
	}
	r.cache[network] = ids
	return ids, nil
}

// SwitchTo selects a network and active slot in one step. Concurrent calls
// are serialized and readers never observe a partial switch.
func (r *Registry) SwitchTo(network Network, activeSlot int) ([SlotCount]Identity, error) {
	if !validSlot(activeSlot) {
		return [SlotCount]Identity{}, errors.Wrapf(ErrInvalidSlot, "slot %d", activeSlot)
	}
	if !network.Valid() {
		return [SlotCount]Identity{}, errors.Wrapf(ErrUnknownNetwork, "chain id %d", network.ChainID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ids, err := r.identitiesLocked(network)
	if err != nil {
		return ids, err
	}
	r.network = network
	r.identities = ids
	r.active = activeSlot
	return ids, nil
}

// Current returns the selection as one consistent snapshot.
func (r *Registry) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Network:    r.network,
		Identities: r.identities,
		ActiveSlot: r.active,
	}
}

// Accounts returns the current network's addresses in slot order.
func (r *Registry) Accounts() []string {
	return r.Current().Accounts()
}

// Lookup finds the current identity owning address, ignoring case.
func (r *Registry) Lookup(address string) (Identity, bool) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return Identity{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.identities {
		if id.Address == address {
			return id, true
		}
	}
	return Identity{}, false
}
