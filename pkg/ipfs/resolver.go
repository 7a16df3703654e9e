// Package ipfs resolves opaque proof references into fetchable image URLs.
// A reference is either a direct image (CID or URL) or a manifest listing
// several images; the resolver always returns the full expanded set.
package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/taskhive-ai/taskhive-engine/pkg/httpclient"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// ErrBadReference marks a reference that cannot be resolved to any image.
// Verification treats it as an automatic rejection, not a system error.
var ErrBadReference = errors.New("invalid proof reference")

const maxManifestEntries = 16

type Config struct {
	// GatewayHost serves `https://<host>/ipfs/<cid>` reads.
	GatewayHost string
	// NodeAPIURL is the multiaddr/URL of a local IPFS node API. Optional;
	// when set, content is read through the node instead of the gateway.
	NodeAPIURL string
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.GatewayHost) == "" {
		return fmt.Errorf("GatewayHost is required")
	}
	return nil
}

// Resolver reads proof content from IPFS, preferring a local node when
// configured and falling back to the public gateway.
type Resolver struct {
	sh      *shell.Shell
	gateway string
	http    *httpclient.Client
	logger  logging.Logger
}

// manifest is the JSON shape of a multi-image submission.
type manifest struct {
	Images []string `json:"images"`
}

func NewResolver(cfg Config, httpClient *httpclient.Client, logger logging.Logger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ipfs config: %w", err)
	}

	r := &Resolver{
		gateway: cfg.GatewayHost,
		http:    httpClient,
		logger:  logger,
	}
	if cfg.NodeAPIURL != "" {
		r.sh = shell.NewShell(cfg.NodeAPIURL)
	}
	return r, nil
}

// GatewayURL returns the HTTP gateway URL for a CID.
func (r *Resolver) GatewayURL(cid string) string {
	base := r.gateway
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/") + "/ipfs/" + cid
}

// Fetch reads the raw content behind a CID or URL.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return r.fetchHTTP(ctx, ref)
	}

	if r.sh != nil {
		rc, err := r.sh.Cat(ref)
		if err == nil {
			defer func() { _ = rc.Close() }()
			return io.ReadAll(rc)
		}
		r.logger.Warnf("IPFS node read failed for %s, falling back to gateway: %v", ref, err)
	}

	return r.fetchHTTP(ctx, r.GatewayURL(ref))
}

func (r *Resolver) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	resp, err := r.http.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IPFS content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// ResolveProof expands a submission reference into one or more fetchable
// image URLs. Unresolvable or empty references yield ErrBadReference.
func (r *Resolver) ResolveProof(ctx context.Context, ref string) ([]string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.ContainsAny(ref, " \t\n") {
		return nil, ErrBadReference
	}

	// Direct URLs are taken as-is; no way to distinguish a manifest without
	// fetching, and workers submitting URLs submit single images.
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return []string{ref}, nil
	}

	content, err := r.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReference, err)
	}

	var m manifest
	if jsonErr := json.Unmarshal(content, &m); jsonErr == nil && m.Images != nil {
		if len(m.Images) == 0 || len(m.Images) > maxManifestEntries {
			return nil, ErrBadReference
		}
		urls := make([]string, 0, len(m.Images))
		for _, entry := range m.Images {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				return nil, ErrBadReference
			}
			if strings.HasPrefix(entry, "https://") || strings.HasPrefix(entry, "http://") {
				urls = append(urls, entry)
			} else {
				urls = append(urls, r.GatewayURL(entry))
			}
		}
		return urls, nil
	}

	// Not a manifest: the reference is the image itself.
	return []string{r.GatewayURL(ref)}, nil
}
