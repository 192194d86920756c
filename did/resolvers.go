package did

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mcpagents/aa-subscriber/evm"
)

// EthrResolver resolves did:ethr. When a backend and an ERC-1056 registry
// are configured, a changed identity owner becomes the document controller.
type EthrResolver struct {
	backend  evm.Backend
	registry string
	chainID  *big.Int
}

// NewEthrResolver returns a did:ethr resolver. backend and registry may be
// empty, in which case every identity is self-owned.
func NewEthrResolver(backend evm.Backend, registry string, chainID *big.Int) *EthrResolver {
	return &EthrResolver{backend: backend, registry: registry, chainID: chainID}
}

func (r *EthrResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	if id.Method != MethodEthr {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
	}
	// network-less ethr identifiers resolve against the configured chain
	if !strings.Contains(id.ID, ":") && r.chainID != nil {
		id.ChainID = r.chainID
	}

	owner := id.Address
	if r.backend != nil && r.registry != "" && (r.chainID == nil || r.chainID.Cmp(id.ChainID) == 0) {
		outputs, err := evm.ReadContract(ctx, r.backend, r.registry, evm.ERC1056ABI, "identityOwner", common.HexToAddress(id.Address))
		if err != nil {
			return nil, DocumentMetadata{}, fmt.Errorf("failed to read identity owner: %w", err)
		}
		if addr, ok := outputs[0].(common.Address); ok {
			owner = addr.Hex()
		}
	}

	doc := accountDocument(id, fmt.Sprintf("eip155:%s:%s", id.ChainID.String(), owner))
	if owner != id.Address {
		doc.Controller = EthrDID(owner)
	}
	return doc, DocumentMetadata{Owner: owner}, nil
}

// PkhResolver resolves did:pkh. The document is derived from the identifier.
type PkhResolver struct{}

func (PkhResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	if id.Method != MethodPkh {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
	}
	return accountDocument(id, ""), DocumentMetadata{Owner: id.Address}, nil
}

// AAResolver resolves did:aa smart-account identifiers. Deployed accounts
// report their on-chain owner as controller; counterfactual ones resolve
// with an empty owner.
type AAResolver struct {
	backend evm.Backend
	chainID *big.Int
}

// NewAAResolver returns a did:aa resolver reading accounts through backend.
func NewAAResolver(backend evm.Backend, chainID *big.Int) *AAResolver {
	return &AAResolver{backend: backend, chainID: chainID}
}

func (r *AAResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	if id.Method != MethodAA {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
	}
	if r.chainID != nil && r.chainID.Cmp(id.ChainID) != 0 {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: chain %s is not served here", ErrNotFound, id.ChainID)
	}

	doc := accountDocument(id, "")
	meta := DocumentMetadata{}
	if r.backend == nil {
		return doc, meta, nil
	}

	deployed, err := evm.IsContract(ctx, r.backend, id.Address)
	if err != nil {
		return nil, DocumentMetadata{}, err
	}
	meta.Deployed = &deployed
	if !deployed {
		return doc, meta, nil
	}

	outputs, err := evm.ReadContract(ctx, r.backend, id.Address, evm.OwnableABI, "owner")
	if err != nil {
		return nil, DocumentMetadata{}, fmt.Errorf("failed to read account owner: %w", err)
	}
	if owner, ok := outputs[0].(common.Address); ok {
		meta.Owner = owner.Hex()
		doc.Controller = EthrDID(owner.Hex())
		doc.AlsoKnownAs = []string{EthrDID(id.Address)}
	}
	return doc, meta, nil
}

// WebResolver fetches did:web documents over HTTPS.
type WebResolver struct {
	client *http.Client
	scheme string
}

// WebOption configures a WebResolver.
type WebOption func(*WebResolver)

// WithHTTPClient sets the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) WebOption {
	return func(r *WebResolver) {
		r.client = client
	}
}

// WithInsecureScheme fetches over plain http. Test servers only.
func WithInsecureScheme() WebOption {
	return func(r *WebResolver) {
		r.scheme = "http"
	}
}

// NewWebResolver returns a did:web resolver.
func NewWebResolver(opts ...WebOption) *WebResolver {
	r := &WebResolver{
		client: &http.Client{Timeout: 10 * time.Second},
		scheme: "https",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DocumentURL maps a did:web identifier to its document URL.
func (r *WebResolver) DocumentURL(id DID) string {
	if len(id.Path) == 0 {
		return fmt.Sprintf("%s://%s/.well-known/did.json", r.scheme, id.Host)
	}
	return fmt.Sprintf("%s://%s/%s/did.json", r.scheme, id.Host, strings.Join(id.Path, "/"))
}

func (r *WebResolver) Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error) {
	if id.Method != MethodWeb {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.DocumentURL(id), nil)
	if err != nil {
		return nil, DocumentMetadata{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, DocumentMetadata{}, fmt.Errorf("failed to fetch DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, DocumentMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, id.Raw)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, DocumentMetadata{}, fmt.Errorf("DID document fetch failed (%d): %s", resp.StatusCode, string(body))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, DocumentMetadata{}, fmt.Errorf("failed to decode DID document: %w", err)
	}
	if doc.ID != id.Raw {
		return nil, DocumentMetadata{}, fmt.Errorf("DID document id %q does not match %q", doc.ID, id.Raw)
	}
	return &doc, DocumentMetadata{}, nil
}

// NewDefaultRegistry registers every resolver of this package for one chain.
// did:web documents are cached for DefaultCacheTTL; on-chain methods are
// always read fresh since deployments change them mid-run.
func NewDefaultRegistry(backend evm.Backend, env evm.Environment, opts ...WebOption) *Registry {
	return NewRegistry().
		Register(MethodEthr, NewEthrResolver(backend, env.ERC1056Registry, env.ChainID)).
		Register(MethodPkh, PkhResolver{}).
		Register(MethodAA, NewAAResolver(backend, env.ChainID)).
		Register(MethodWeb, NewCachingResolver(NewWebResolver(opts...), DefaultCacheTTL))
}
