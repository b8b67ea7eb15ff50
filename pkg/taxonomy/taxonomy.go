// Package taxonomy resolves canonical value tags (e.g. "en:yogurts") against
// the external taxonomy service. Candidate generators use it to discard
// predictions that reference retired or unknown tags.
package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
	"github.com/shelfsight/insight-engine/pkg/config"
)

// Node is one resolved taxonomy entry.
type Node struct {
	Tag            string            `json:"tag" yaml:"tag"`
	CanonicalTag   string            `json:"canonical_tag" yaml:"canonical_tag"`
	LocalizedNames map[string]string `json:"localized_names,omitempty" yaml:"names,omitempty"`
}

// Resolver looks up taxonomy tags.
type Resolver interface {
	// Resolve returns the node for tag, or apperrors.ErrNotFound if the tag
	// does not exist (or was retired). Transport failures are wrapped with
	// apperrors.ErrExternalDependency.
	Resolve(ctx context.Context, taxonomyName, tag string) (*Node, error)
}

// TaxonomyForType maps insight types to taxonomy names. Types without a
// taxonomy (free-text values) return "".
func TaxonomyForType(insightType string) string {
	switch insightType {
	case "category":
		return "categories"
	case "brand":
		return "brands"
	case "label":
		return "labels"
	case "packaging":
		return "packaging"
	default:
		return ""
	}
}

// ============================================================================
// HTTP client
// ============================================================================

// Client resolves tags against the remote taxonomy service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a taxonomy HTTP client. The timeout must stay short:
// lookups may run close to the import critical section.
func NewClient(cfg *config.TaxonomyConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

var _ Resolver = (*Client)(nil)

type resolveResponse struct {
	Exists         bool              `json:"exists"`
	CanonicalTag   string            `json:"canonical_tag"`
	LocalizedNames map[string]string `json:"localized_names"`
}

func (c *Client) Resolve(ctx context.Context, taxonomyName, tag string) (*Node, error) {
	endpoint := fmt.Sprintf("%s/api/v1/taxonomies/%s/%s",
		c.baseURL, url.PathEscape(taxonomyName), url.PathEscape(tag))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build taxonomy request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: taxonomy lookup %s/%s: %v",
			apperrors.ErrExternalDependency, taxonomyName, tag, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: taxonomy lookup returned %d",
			apperrors.ErrExternalDependency, resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode taxonomy response: %w", err)
	}
	if !body.Exists {
		return nil, apperrors.ErrNotFound
	}

	return &Node{
		Tag:            tag,
		CanonicalTag:   body.CanonicalTag,
		LocalizedNames: body.LocalizedNames,
	}, nil
}

// ============================================================================
// Snapshot resolver
// ============================================================================

// Snapshot is a Resolver backed by a local YAML file, used for offline and
// dev setups and to seed the cache.
type Snapshot struct {
	taxonomies map[string]map[string]*Node
}

type snapshotFile struct {
	Taxonomies map[string][]Node `yaml:"taxonomies"`
}

// LoadSnapshot parses a YAML taxonomy snapshot from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy snapshot: %w", err)
	}

	var file snapshotFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy snapshot: %w", err)
	}

	s := &Snapshot{taxonomies: make(map[string]map[string]*Node, len(file.Taxonomies))}
	for name, nodes := range file.Taxonomies {
		byTag := make(map[string]*Node, len(nodes))
		for i := range nodes {
			node := nodes[i]
			if node.CanonicalTag == "" {
				node.CanonicalTag = node.Tag
			}
			byTag[node.Tag] = &node
		}
		s.taxonomies[name] = byTag
	}
	return s, nil
}

var _ Resolver = (*Snapshot)(nil)

func (s *Snapshot) Resolve(ctx context.Context, taxonomyName, tag string) (*Node, error) {
	byTag, ok := s.taxonomies[taxonomyName]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	node, ok := byTag[tag]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return node, nil
}

// NewResolver builds the resolver stack from configuration: remote client
// when a base URL is set, snapshot otherwise, wrapped in a read-through
// cache. Deliberately constructed and injected; no module-level singletons.
func NewResolver(cfg *config.TaxonomyConfig, ttl time.Duration) (Resolver, error) {
	var inner Resolver
	switch {
	case cfg.BaseURL != "":
		inner = NewClient(cfg)
	case cfg.SnapshotPath != "":
		snapshot, err := LoadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		inner = snapshot
	default:
		return nil, fmt.Errorf("taxonomy: neither base_url nor snapshot_path configured")
	}
	return NewCache(inner, ttl), nil
}
