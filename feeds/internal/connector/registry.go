package connector

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Registry holds connectors keyed by ID.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connector)}
}

// Register adds c. A second connector with the same ID is rejected.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnector, c.ID())
	}
	r.conns[c.ID()] = c
	return nil
}

// Get returns the connector with the given ID.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// IDs returns the registered IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Spec configures one connector instance.
type Spec struct {
	ID      string            `yaml:"id" json:"id"`
	Kind    string            `yaml:"kind" json:"kind"` // rss, jsonapi, xlsx
	URL     string            `yaml:"url" json:"url,omitempty"`
	Path    string            `yaml:"path" json:"path,omitempty"` // xlsx local file
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// jsonapi
	ResultPath  string `yaml:"result_path" json:"result_path,omitempty"`
	CursorParam string `yaml:"cursor_param" json:"cursor_param,omitempty"`
	CursorPath  string `yaml:"cursor_path" json:"cursor_path,omitempty"`

	// Fields maps listing fields (source_id, title, ...) to provider keys:
	// JSON dot paths for jsonapi, column headers for xlsx.
	Fields map[string]string `yaml:"fields" json:"fields,omitempty"`

	// xlsx
	Sheet     string `yaml:"sheet" json:"sheet,omitempty"`
	HeaderRow int    `yaml:"header_row" json:"header_row,omitempty"` // 1-based
}

// Factory builds a connector from its spec.
type Factory func(spec Spec, client *http.Client) (Connector, error)

var factories = map[string]Factory{
	"rss":     func(s Spec, c *http.Client) (Connector, error) { return NewRSS(s, c) },
	"jsonapi": func(s Spec, c *http.Client) (Connector, error) { return NewJSONAPI(s, c) },
	"xlsx":    func(s Spec, c *http.Client) (Connector, error) { return NewXLSX(s, c) },
}

// New builds the connector described by spec. client may be nil; timeout,
// if non-zero, bounds every HTTP request the connector makes.
func New(spec Spec, client *http.Client, timeout time.Duration) (Connector, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("connector: spec without id")
	}
	f, ok := factories[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (connector %s)", ErrUnknownKind, spec.Kind, spec.ID)
	}
	if client == nil && timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}
	return f(spec, client)
}
