package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
)

const (
	defaultPLCDirectory = "https://plc.directory"
	keyCacheTTL         = time.Hour
)

// DIDResolver resolves atproto signing keys from DID documents. did:plc
// documents come from the PLC directory; did:web documents from the host's
// .well-known path. Resolved keys are cached for an hour.
type DIDResolver struct {
	plcURL     string
	httpClient *http.Client
	keys       *cache.Cache
	logger     *slog.Logger
}

// NewDIDResolver creates a resolver. An empty plcURL uses https://plc.directory.
func NewDIDResolver(plcURL string, logger *slog.Logger) *DIDResolver {
	if plcURL == "" {
		plcURL = defaultPLCDirectory
	}
	return &DIDResolver{
		plcURL:     strings.TrimSuffix(plcURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       cache.New(keyCacheTTL, 2*keyCacheTTL),
		logger:     logger,
	}
}

type didDocument struct {
	ID                 string               `json:"id"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// ResolveKey implements KeyResolver.
func (r *DIDResolver) ResolveKey(ctx context.Context, issuerDID string) (atcrypto.PublicKey, error) {
	if key, ok := r.keys.Get(issuerDID); ok {
		return key.(atcrypto.PublicKey), nil
	}

	docURL, err := r.documentURL(issuerDID)
	if err != nil {
		return nil, err
	}

	doc, err := r.fetch(ctx, docURL)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", issuerDID, err)
	}

	for _, vm := range doc.VerificationMethod {
		if vm.ID != "#atproto" && vm.ID != issuerDID+"#atproto" {
			continue
		}
		if vm.Type != "Multikey" {
			return nil, fmt.Errorf("signing key of %s: unsupported verification method type %q", issuerDID, vm.Type)
		}
		// P-256 and K-256, multicodec tagged.
		key, err := atcrypto.ParsePublicMultibase(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("signing key of %s: %w", issuerDID, err)
		}
		r.keys.SetDefault(issuerDID, key)
		r.logger.Debug("resolved signing key", "did", issuerDID)
		return key, nil
	}
	return nil, fmt.Errorf("resolve %s: no #atproto verification method", issuerDID)
}

func (r *DIDResolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return r.plcURL + "/" + did, nil
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		if host == "" || strings.Contains(host, ":") {
			return "", fmt.Errorf("unsupported did:web %q", did)
		}
		return "https://" + host + "/.well-known/did.json", nil
	default:
		return "", fmt.Errorf("unsupported DID method: %s", did)
	}
}

func (r *DIDResolver) fetch(ctx context.Context, docURL string) (*didDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DID document request failed (status %d)", resp.StatusCode)
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal DID document: %w", err)
	}
	return &doc, nil
}
