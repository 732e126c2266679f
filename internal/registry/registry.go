// Package registry implements the broker's in-memory node registry: the
// map from claimed node name to connection record, and the per-node field
// table each record owns.
//
// The registry is mutated from every per-connection goroutine the broker
// runs, so — unlike the single-threaded cooperative original this design is
// adapted from — every operation here takes a lock. The teacher's sibling
// packages favor one RWMutex per top-level map plus finer locks on the
// records it holds; the registry follows the same shape.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tenzoki/meshbroker/internal/wire"
)

// ErrNodeExists is returned by Register when the claimed name is already
// live in the registry.
var ErrNodeExists = errors.New("registry: node already exists")

// ErrUnknownNode is returned by operations that reference a node name not
// currently present in the registry.
var ErrUnknownNode = errors.New("registry: unknown node")

// ErrUnknownField is returned by Get when the owner exists but the named
// field has never been published or subscribed.
var ErrUnknownField = errors.New("registry: unknown field")

// Field is a single named byte-blob slot owned by one node. It is created
// lazily on first publish or first subscribe and destroyed with its owner.
type Field struct {
	mu          sync.Mutex
	lastPayload []byte
	subscribers []string // ordered multiset; duplicates are permitted
}

// LastPayload returns the field's most recently published bytes, or an
// empty (never nil) slice if it has never been published.
func (f *Field) LastPayload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastPayload == nil {
		return []byte{}
	}
	out := make([]byte, len(f.lastPayload))
	copy(out, f.lastPayload)
	return out
}

// Subscribers returns a snapshot of the field's subscriber list.
func (f *Field) Subscribers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribers))
	copy(out, f.subscribers)
	return out
}

// Record is the broker's per-node connection state: the claimed name, the
// frame writer used to push server->client frames, this node's field
// table, and its optionally advertised datagram endpoint.
type Record struct {
	ID     string // internal diagnostic ID, never the claimed identity
	Name   string
	Writer wire.FrameWriter

	fieldsMu sync.Mutex
	fields   map[string]*Field

	dgramMu   sync.Mutex
	dgramIP   string
	dgramPort uint16
	hasDgram  bool
}

// field returns the named field, creating it with an empty last-payload if
// it does not yet exist.
func (r *Record) field(name string) *Field {
	r.fieldsMu.Lock()
	defer r.fieldsMu.Unlock()
	f, ok := r.fields[name]
	if !ok {
		f = &Field{}
		r.fields[name] = f
	}
	return f
}

// fieldIfExists returns the named field without creating it.
func (r *Record) fieldIfExists(name string) (*Field, bool) {
	r.fieldsMu.Lock()
	defer r.fieldsMu.Unlock()
	f, ok := r.fields[name]
	return f, ok
}

// SetDatagramAddr records the node's self-reported datagram endpoint.
func (r *Record) SetDatagramAddr(ip string, port uint16) {
	r.dgramMu.Lock()
	defer r.dgramMu.Unlock()
	r.dgramIP = ip
	r.dgramPort = port
	r.hasDgram = true
}

// DatagramAddr returns the node's advertised datagram endpoint, if any.
func (r *Record) DatagramAddr() (ip string, port uint16, ok bool) {
	r.dgramMu.Lock()
	defer r.dgramMu.Unlock()
	return r.dgramIP, r.dgramPort, r.hasDgram
}

// FieldNames returns a snapshot of the node's field names, for ROSSTAT.
func (r *Record) FieldNames() []string {
	r.fieldsMu.Lock()
	defer r.fieldsMu.Unlock()
	out := make([]string, 0, len(r.fields))
	for name := range r.fields {
		out = append(out, name)
	}
	return out
}

// Field looks up one of the node's fields by name, without creating it.
func (r *Record) Field(name string) (*Field, bool) {
	return r.fieldIfExists(name)
}

// Registry is the broker's node-name -> connection-record map. At most one
// Record exists per node name at any instant.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*Record)}
}

// Register inserts a new connection record for name. It returns
// ErrNodeExists if a live connection already claims that name.
func (reg *Registry) Register(name string, w wire.FrameWriter) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.nodes[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrNodeExists, name)
	}

	rec := &Record{
		ID:     uuid.NewString(),
		Name:   name,
		Writer: w,
		fields: make(map[string]*Field),
	}
	reg.nodes[name] = rec
	return rec, nil
}

// Lookup returns the connection record for name, if currently registered.
func (reg *Registry) Lookup(name string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.nodes[name]
	return rec, ok
}

// Remove destroys the connection record for name and scrubs every
// occurrence of name from every remaining node's subscriber lists.
// Remove is idempotent: removing an already-absent name is a no-op.
func (reg *Registry) Remove(name string) {
	reg.mu.Lock()
	delete(reg.nodes, name)
	remaining := make([]*Record, 0, len(reg.nodes))
	for _, rec := range reg.nodes {
		remaining = append(remaining, rec)
	}
	reg.mu.Unlock()

	for _, rec := range remaining {
		rec.fieldsMu.Lock()
		for _, f := range rec.fields {
			f.mu.Lock()
			f.subscribers = removeAll(f.subscribers, name)
			f.mu.Unlock()
		}
		rec.fieldsMu.Unlock()
	}
}

// Publish upserts field on owner's node, overwriting its last-payload, and
// returns a snapshot of the field's subscriber list at the moment of
// publication — the exact set that must receive this POST's fan-out.
func (reg *Registry) Publish(owner, field string, payload []byte) (subscribers []string, err error) {
	rec, ok := reg.Lookup(owner)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, owner)
	}

	f := rec.field(field)
	f.mu.Lock()
	f.lastPayload = append([]byte(nil), payload...)
	subs := make([]string, len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.Unlock()

	return subs, nil
}

// Get returns the last-payload of (owner, field). It returns ErrUnknownNode
// if owner is not registered, and ErrUnknownField if owner exists but field
// has never been published or subscribed (and so was never lazily
// created). A field that was created by a prior subscribe but never
// published returns an empty payload with no error.
func (reg *Registry) Get(owner, field string) ([]byte, error) {
	rec, ok := reg.Lookup(owner)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, owner)
	}
	f, ok := rec.fieldIfExists(field)
	if !ok {
		return nil, fmt.Errorf("%w: %q/%q", ErrUnknownField, owner, field)
	}
	return f.LastPayload(), nil
}

// Subscribe appends subscriber to (owner, field)'s subscriber list,
// creating the field with an empty last-payload if it does not yet exist.
// Duplicate subscriptions are permitted by design: subscribing twice
// results in two deliveries per publication.
func (reg *Registry) Subscribe(owner, field, subscriber string) error {
	rec, ok := reg.Lookup(owner)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, owner)
	}
	f := rec.field(field)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, subscriber)
	f.mu.Unlock()
	return nil
}

// Unsubscribe removes every occurrence of subscriber from (owner, field)'s
// subscriber list, so that repeated SUBSCRIBE/UNSUBSCRIBE pairs are
// idempotent regardless of how many times SUBSCRIBE was called.
func (reg *Registry) Unsubscribe(owner, field, subscriber string) error {
	rec, ok := reg.Lookup(owner)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, owner)
	}
	f, ok := rec.fieldIfExists(field)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.subscribers = removeAll(f.subscribers, subscriber)
	f.mu.Unlock()
	return nil
}

func removeAll(list []string, name string) []string {
	out := list[:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot captures the ROSSTAT view of the registry: every node, its
// fields, and each field's subscriber list. Payload bytes and writer
// handles are deliberately omitted.
type Snapshot map[string]NodeSnapshot

// NodeSnapshot is one node's diagnostic view within a registry Snapshot.
type NodeSnapshot struct {
	Fields map[string]FieldSnapshot `json:"fields"`
}

// FieldSnapshot is one field's diagnostic view within a NodeSnapshot.
type FieldSnapshot struct {
	Subscribers []string `json:"subscribers"`
}

// Snapshot returns a point-in-time diagnostic dump of the whole registry.
func (reg *Registry) Snapshot() Snapshot {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.nodes))
	recs := make([]*Record, 0, len(reg.nodes))
	for name, rec := range reg.nodes {
		names = append(names, name)
		recs = append(recs, rec)
	}
	reg.mu.RUnlock()

	out := make(Snapshot, len(names))
	for i, name := range names {
		rec := recs[i]
		rec.fieldsMu.Lock()
		fields := make(map[string]FieldSnapshot, len(rec.fields))
		for fname, f := range rec.fields {
			fields[fname] = FieldSnapshot{Subscribers: f.Subscribers()}
		}
		rec.fieldsMu.Unlock()
		out[name] = NodeSnapshot{Fields: fields}
	}
	return out
}
