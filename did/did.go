// Package did builds, parses and resolves the decentralized identifiers used
// by subscribers and service agents: did:aa for smart accounts, did:ethr and
// did:pkh for EOAs, and did:web for organisations.
package did

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DID methods understood by this package.
const (
	MethodAA   = "aa"
	MethodEthr = "ethr"
	MethodPkh  = "pkh"
	MethodWeb  = "web"
)

var (
	ErrInvalidDID        = errors.New("invalid DID")
	ErrUnsupportedMethod = errors.New("unsupported DID method")
	ErrNotFound          = errors.New("DID document not found")
)

// ethrNetworks maps did:ethr network names to chain ids.
var ethrNetworks = map[string]int64{
	"mainnet": 1,
	"sepolia": 11155111,
	"goerli":  5,
}

// AADID returns did:aa:eip155:<chainId>:<lowercase address>.
func AADID(chainID *big.Int, address string) string {
	return fmt.Sprintf("did:aa:eip155:%s:%s", chainID.String(), strings.ToLower(common.HexToAddress(address).Hex()))
}

// EthrDID returns did:ethr:<lowercase address>.
func EthrDID(address string) string {
	return "did:ethr:" + strings.ToLower(common.HexToAddress(address).Hex())
}

// PkhDID returns did:pkh:eip155:<chainId>:<address>.
func PkhDID(chainID *big.Int, address string) string {
	return fmt.Sprintf("did:pkh:eip155:%s:%s", chainID.String(), common.HexToAddress(address).Hex())
}

// WebDID returns did:web for host, with an optional path.
func WebDID(host string, path ...string) string {
	parts := append([]string{strings.ReplaceAll(host, ":", "%3A")}, path...)
	return "did:web:" + strings.Join(parts, ":")
}

// DID is a parsed identifier. Address and ChainID are set for the
// blockchain-account methods; Host and Path for did:web.
type DID struct {
	Raw     string
	Method  string
	ID      string
	ChainID *big.Int
	Address string
	Host    string
	Path    []string
}

// String returns the identifier as given.
func (d DID) String() string {
	return d.Raw
}

// BlockchainAccountID returns the CAIP-10 account id, e.g.
// eip155:11155111:0xabc...
func (d DID) BlockchainAccountID() string {
	if d.Address == "" {
		return ""
	}
	chainID := d.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	return fmt.Sprintf("eip155:%s:%s", chainID.String(), d.Address)
}

// Parse splits a DID into its components. DID URL fragments and queries are
// dropped.
func Parse(raw string) (DID, error) {
	didPart := raw
	if i := strings.IndexAny(didPart, "#?"); i >= 0 {
		didPart = didPart[:i]
	}

	parts := strings.SplitN(didPart, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return DID{}, fmt.Errorf("%w: %q", ErrInvalidDID, raw)
	}
	d := DID{Raw: didPart, Method: parts[1], ID: parts[2]}

	switch d.Method {
	case MethodAA, MethodPkh:
		segs := strings.Split(d.ID, ":")
		if len(segs) != 3 || segs[0] != "eip155" {
			return DID{}, fmt.Errorf("%w: expected eip155:<chainId>:<address> in %q", ErrInvalidDID, raw)
		}
		chainID, ok := new(big.Int).SetString(segs[1], 10)
		if !ok || chainID.Sign() <= 0 {
			return DID{}, fmt.Errorf("%w: bad chain id in %q", ErrInvalidDID, raw)
		}
		if !common.IsHexAddress(segs[2]) {
			return DID{}, fmt.Errorf("%w: bad address in %q", ErrInvalidDID, raw)
		}
		d.ChainID = chainID
		d.Address = common.HexToAddress(segs[2]).Hex()

	case MethodEthr:
		segs := strings.Split(d.ID, ":")
		address := segs[len(segs)-1]
		switch len(segs) {
		case 1:
			d.ChainID = big.NewInt(1)
		case 2:
			chainID, err := ethrChainID(segs[0])
			if err != nil {
				return DID{}, fmt.Errorf("%w: %v", ErrInvalidDID, err)
			}
			d.ChainID = chainID
		default:
			return DID{}, fmt.Errorf("%w: %q", ErrInvalidDID, raw)
		}
		if !common.IsHexAddress(address) {
			// public-key identifiers are not supported
			return DID{}, fmt.Errorf("%w: bad address in %q", ErrInvalidDID, raw)
		}
		d.Address = common.HexToAddress(address).Hex()

	case MethodWeb:
		segs := strings.Split(d.ID, ":")
		host, err := url.PathUnescape(segs[0])
		if err != nil || host == "" {
			return DID{}, fmt.Errorf("%w: bad host in %q", ErrInvalidDID, raw)
		}
		d.Host = host
		d.Path = segs[1:]

	default:
		return DID{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, d.Method)
	}
	return d, nil
}

func ethrChainID(network string) (*big.Int, error) {
	if id, ok := ethrNetworks[network]; ok {
		return big.NewInt(id), nil
	}
	if strings.HasPrefix(network, "0x") {
		if id, ok := new(big.Int).SetString(network[2:], 16); ok {
			return id, nil
		}
	}
	return nil, fmt.Errorf("unknown ethr network %q", network)
}
