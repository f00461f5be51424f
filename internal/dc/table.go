// Package dc resolves numeric datacenter ids to network addresses.
package dc

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

// ErrUnknownDatacenter indicates an id with no known address. It is never
// retried: the input is malformed.
var ErrUnknownDatacenter = errors.New("unknown datacenter")

// Resolver maps a datacenter id to host and port.
type Resolver interface {
	Resolve(dcID int) (host string, port int, err error)
}

// Option is one datacenter address.
type Option struct {
	ID   int    `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	CDN  bool   `yaml:"cdn,omitempty"`
}

// Table is a thread-safe Resolver seeded from configuration and refreshed
// from the Config a datacenter advertises.
type Table struct {
	mu      sync.RWMutex
	options map[int]Option
}

var _ Resolver = (*Table)(nil)

// NewTable builds a table from static options.
func NewTable(opts ...Option) *Table {
	t := &Table{options: make(map[int]Option)}
	for _, o := range opts {
		t.options[o.ID] = o
	}
	return t
}

// Local is the table dcxferd serves when no file is given: two regular
// datacenters and one CDN datacenter on loopback.
func Local() *Table {
	return NewTable(
		Option{ID: 1, Host: "127.0.0.1", Port: 4431},
		Option{ID: 2, Host: "127.0.0.1", Port: 4432},
		Option{ID: 203, Host: "127.0.0.1", Port: 4433, CDN: true},
	)
}

// Load reads path, or returns Local when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Local(), nil
	}
	return LoadTable(path)
}

type tableFile struct {
	Datacenters []Option `yaml:"datacenters"`
}

// LoadTable reads a YAML file of the form:
//
//	datacenters:
//	  - {id: 1, host: 127.0.0.1, port: 4431}
//	  - {id: 203, host: 127.0.0.1, port: 4433, cdn: true}
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dc table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable parses the YAML form accepted by LoadTable.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dc table: %w", err)
	}
	for _, o := range f.Datacenters {
		if o.Host == "" || o.Port <= 0 || o.Port > 65535 {
			return nil, fmt.Errorf("parse dc table: invalid address for dc %d", o.ID)
		}
	}
	return NewTable(f.Datacenters...), nil
}

func (t *Table) Resolve(dcID int) (string, int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, ok := t.options[dcID]
	if !ok {
		return "", 0, fmt.Errorf("%w: %d", ErrUnknownDatacenter, dcID)
	}
	return o.Host, o.Port, nil
}

// Set adds or replaces one entry.
func (t *Table) Set(o Option) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options[o.ID] = o
}

// Update merges the datacenters advertised by a server Config.
func (t *Table) Update(cfg *protocol.Config) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, o := range cfg.DCs {
		if o.Host == "" || o.Port <= 0 {
			continue
		}
		t.options[o.ID] = Option{ID: o.ID, Host: o.Host, Port: o.Port, CDN: o.CDN}
		n++
	}
	return n
}

// Options returns all entries ordered by id.
func (t *Table) Options() []Option {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Option, 0, len(t.options))
	for _, o := range t.options {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Marshal renders the table in the LoadTable format.
func (t *Table) Marshal() ([]byte, error) {
	return yaml.Marshal(tableFile{Datacenters: t.Options()})
}
