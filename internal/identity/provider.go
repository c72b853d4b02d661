package identity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/bsv-blockchain/go-sdk/compat/bip39"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// coinType is the SLIP-44 coin type registered for RSK.
const coinType = 137

// Identity is one derived account: a key pair, its address and its DID.
type Identity struct {
	Network    Network           `json:"network"`
	Slot       int               `json:"slot"`
	Address    string            `json:"address"`
	DID        string            `json:"did"`
	PrivateKey *ecdsa.PrivateKey `json:"-"`
}

// PrivateKeyHex returns the raw private key as 0x-prefixed hex.
func (id Identity) PrivateKeyHex() string {
	if id.PrivateKey == nil {
		return ""
	}
	return hexutil.Encode(crypto.FromECDSA(id.PrivateKey))
}

// Deriver produces the identity for a (network, slot) pair. Implementations
// must be deterministic.
type Deriver interface {
	Derive(network Network, slot int) (Identity, error)
}

// Provider derives identities from a BIP-32 master key along
// m/44'/137'/0'/0/(slot + 2*chainID).
type Provider struct {
	account *hdkeychain.ExtendedKey
}

var _ Deriver = (*Provider)(nil)

// GenerateMnemonic returns a fresh 12-word BIP-39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", errors.Wrap(err, "generate entropy")
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errors.Wrap(err, "encode mnemonic")
	}
	return mnemonic, nil
}

func NewProviderFromMnemonic(mnemonic, passphrase string) (*Provider, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	return NewProvider(seed)
}

func NewProvider(seed []byte) (*Provider, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(err, "master key")
	}
	key := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		if key, err = key.Derive(idx); err != nil {
			return nil, errors.Wrapf(err, "derive account path at %d", idx)
		}
	}
	return &Provider{account: key}, nil
}

// DerivationIndex is the address index used for a (network, slot) pair.
// Chain ids differ and slots are below two, so no two pairs share an index.
func DerivationIndex(network Network, slot int) uint32 {
	return uint32(slot + 2*int(network.ChainID()))
}

func DerivationPath(network Network, slot int) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coinType, DerivationIndex(network, slot))
}

func (p *Provider) Derive(network Network, slot int) (Identity, error) {
	if !network.Valid() {
		return Identity{}, errors.Wrapf(ErrUnknownNetwork, "chain id %d", network.ChainID())
	}
	if !validSlot(slot) {
		return Identity{}, errors.Wrapf(ErrInvalidSlot, "slot %d", slot)
	}

	child, err := p.account.Derive(DerivationIndex(network, slot))
	if err != nil {
		return Identity{}, errors.Wrapf(err, "derive %s", DerivationPath(network, slot))
	}
	ecKey, err := child.ECPrivKey()
	if err != nil {
		return Identity{}, errors.Wrap(err, "child private key")
	}
	priv, err := crypto.ToECDSA(ecKey.Serialize())
	if err != nil {
		return Identity{}, errors.Wrap(err, "convert private key")
	}

	address := AddressOf(&priv.PublicKey)
	return Identity{
		Network:    network,
		Slot:       slot,
		Address:    address,
		DID:        DIDFor(network, address),
		PrivateKey: priv,
	}, nil
}

// AddressOf returns the lowercase 0x-prefixed account address of a public key.
func AddressOf(pub *ecdsa.PublicKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
}

// DIDFor builds the ethr DID of an address on the given network.
func DIDFor(network Network, address string) string {
	address = strings.ToLower(address)
	if network == Testnet {
		return "did:ethr:rsk:testnet:" + address
	}
	return "did:ethr:rsk:" + address
}
