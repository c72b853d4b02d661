package identity

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrInvalidSlot    = errors.New("invalid identity slot")
)

// Network is an RSK network, identified by its EIP-155 chain id.
type Network int64

const (
	Mainnet Network = 30
	Testnet Network = 31
)

// Networks lists every supported network.
var Networks = []Network{Mainnet, Testnet}

// SlotCount is the number of identities held per network.
const SlotCount = 2

// ChainID is the EIP-155 chain id of the network.
func (n Network) ChainID() int64 { return int64(n) }

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "main"
	case Testnet:
		return "test"
	default:
		return "network(" + strconv.FormatInt(int64(n), 10) + ")"
	}
}

// Valid reports whether n is RSK mainnet or testnet.
func (n Network) Valid() bool {
	return n == Mainnet || n == Testnet
}

// ParseNetwork accepts "main", "mainnet", "test", "testnet" or a chain id.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "main", "mainnet":
		return Mainnet, nil
	case "test", "testnet":
		return Testnet, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownNetwork, "%q", s)
	}
	return NetworkFromChainID(id)
}

// NetworkFromChainID maps 30 and 31 to their networks.
func NetworkFromChainID(chainID int64) (Network, error) {
	n := Network(chainID)
	if !n.Valid() {
		return 0, errors.Wrapf(ErrUnknownNetwork, "chain id %d", chainID)
	}
	return n, nil
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < SlotCount
}
