package session

import (
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

// IdentityView is the display form of one identity.
type IdentityView struct {
	Slot    int    `json:"slot"`
	Address string `json:"address"`
	DID     string `json:"did"`
	Path    string `json:"path"`
	Active  bool   `json:"active"`
}

// Snapshot is everything a UI needs to render the wallet.
type Snapshot struct {
	State      string         `json:"state"`
	Connected  bool           `json:"connected"`
	URI        string         `json:"uri,omitempty"`
	PeerMeta   *wc.PeerMeta   `json:"peerMeta,omitempty"`
	ChainID    int64          `json:"chainId"`
	Network    string         `json:"network"`
	Accounts   []string       `json:"accounts"`
	ActiveSlot int            `json:"activeSlot"`
	Identities []IdentityView `json:"identities"`
	LastError  string         `json:"lastError,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	cur := m.registry.Current()

	m.mu.Lock()
	snap := Snapshot{
		State:     m.state.String(),
		Connected: m.state == Connected || m.state == Updating,
	}
	if s := m.cur; s != nil {
		snap.URI = s.raw
		if s.peer != nil {
			meta := *s.peer
			snap.PeerMeta = &meta
		}
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	snap.ChainID = cur.Network.ChainID()
	snap.Network = cur.Network.String()
	snap.Accounts = cur.Accounts()
	snap.ActiveSlot = cur.ActiveSlot
	for slot, id := range cur.Identities {
		snap.Identities = append(snap.Identities, IdentityView{
			Slot:    slot,
			Address: id.Address,
			DID:     id.DID,
			Path:    identity.DerivationPath(cur.Network, slot),
			Active:  slot == cur.ActiveSlot,
		})
	}
	return snap
}
