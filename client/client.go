// Package client implements the node-side half of the protocol: a stream
// connection to the broker plus an optional datagram fast path, exposing
// post/subscribe/anon/rosstat as the embedding API of §6.
//
// A Client runs three background loop goroutines once started — the
// stream loop, plus a datagram reader and a datagram dispatch loop that
// together make up the datagram loop — mirroring the reference
// implementation's two-cooperative-task client, adapted to Go's
// goroutines-plus-channels concurrency model instead of a single event
// loop.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/tenzoki/meshbroker/internal/config"
	"github.com/tenzoki/meshbroker/internal/wire"
)

// SubscribeHandler is invoked with a DELIVER's payload for a subscribed
// (node, field) pair.
type SubscribeHandler func(payload []byte)

// AnonHandler is invoked for every DELIVER_ANON or direct-datagram ANON
// addressed to a field this client registered a handler for.
type AnonHandler func(payload []byte, sender string)

// RosstatHandler receives the JSON snapshot body of a ROSSTAT reply.
type RosstatHandler func(snapshot []byte)

// peerEntry is the client-side datagram rendezvous state for one remote
// node, per §3's "Datagram peer entry".
type peerEntry struct {
	addr      *net.UDPAddr
	tried     bool
	reachable bool
}

// Client connects to one broker as one claimed node name.
type Client struct {
	address  string
	nodeName string
	debug    bool

	sw      *wire.StreamWriter
	udpConn *net.UDPConn

	subsMu sync.Mutex
	subs   map[string]SubscribeHandler // key: node+"\x00"+field

	receivedMu sync.Mutex
	received   map[string]map[string][]byte // node -> field -> payload

	anonMu   sync.Mutex
	anonSubs map[string]AnonHandler // key: field

	peersMu sync.Mutex
	peers   map[string]*peerEntry // key: node name

	dgramBufMu sync.Mutex
	dgramBufs  map[string]*wire.RecordBuffer // key: remote UDP addr string

	rosstatMu    sync.Mutex
	rosstatQueue []RosstatHandler

	errMu sync.Mutex
	err   error

	ready chan struct{} // closed once SEND_AUTH has been sent
}

// New creates a Client from configuration. Call Run to connect.
func New(cfg *config.ClientConfig) *Client {
	return &Client{
		address:   cfg.Address,
		nodeName:  cfg.NodeName,
		debug:     cfg.Debug,
		subs:      make(map[string]SubscribeHandler),
		received:  make(map[string]map[string][]byte),
		anonSubs:  make(map[string]AnonHandler),
		peers:     make(map[string]*peerEntry),
		dgramBufs: make(map[string]*wire.RecordBuffer),
		ready:     make(chan struct{}),
	}
}

// Ready returns a channel closed once this client has sent SEND_AUTH and
// advertised its datagram endpoint, so callers that want to wait for the
// handshake before posting/subscribing may do so.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run establishes the stream connection and datagram socket, then blocks
// running the stream loop and the datagram loop until ctx is cancelled or
// a fatal protocol error occurs. Its return corresponds to both loops'
// termination, matching the embedding API's "handle whose task completion
// corresponds to loop termination".
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.address, err)
	}
	c.sw = wire.NewStreamWriter(conn)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		c.sw.Close()
		return fmt.Errorf("client: bind datagram socket: %w", err)
	}
	c.udpConn = udpConn

	// The datagram goroutines stop on ctx, so end them too once the stream
	// loop exits.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); defer cancel(); c.streamLoop() }()
	go func() { defer wg.Done(); c.udpReadLoop() }()
	go func() { defer wg.Done(); c.datagramDispatchLoop(ctx) }()

	go func() {
		<-ctx.Done()
		c.sw.Close()
		c.udpConn.Close()
	}()

	wg.Wait()
	return c.loopErr()
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) loopErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.debug {
		log.Printf(format, args...)
	}
}

// Subscribe registers handler for DELIVER frames matching (node, field) and
// sends the broker a SUBSCRIBE request.
func (c *Client) Subscribe(node, field string, handler SubscribeHandler) error {
	c.subsMu.Lock()
	c.subs[subKey(node, field)] = handler
	c.subsMu.Unlock()

	return c.sw.WriteFrame(wire.OpSubscribe, lvPair(node, field))
}

// Unsubscribe removes a previously registered handler and asks the broker
// to remove this client from (node, field)'s subscriber list.
func (c *Client) Unsubscribe(node, field string) error {
	c.subsMu.Lock()
	delete(c.subs, subKey(node, field))
	c.subsMu.Unlock()

	return c.sw.WriteFrame(wire.OpUnsub, lvPair(node, field))
}

// Post publishes payload to field on this client's own node, fire and
// forget.
func (c *Client) Post(field string, payload []byte) error {
	var buf bytes.Buffer
	if err := wire.PutLV(&buf, field); err != nil {
		return err
	}
	buf.Write(payload)
	c.logf("client: posting %s to %s", humanize.Bytes(uint64(len(payload))), field)
	return c.sw.WriteFrame(wire.OpPost, buf.Bytes())
}

// Get requests the last-payload of (node, field) by way of GET; the reply arrives on the stream loop as an ordinary DELIVER, so
// Get itself only sends the request — callers that need the value should
// Subscribe or inspect Received after a short wait, matching the
// fire-and-forget style of the rest of the embedding API.
func (c *Client) Get(node, field string) error {
	return c.sw.WriteFrame(wire.OpGet, lvPair(node, field))
}

// Received returns a payload cached from a DELIVER that had no registered
// subscription handler at delivery time.
func (c *Client) Received(node, field string) ([]byte, bool) {
	c.receivedMu.Lock()
	defer c.receivedMu.Unlock()
	fields, ok := c.received[node]
	if !ok {
		return nil, false
	}
	payload, ok := fields[field]
	return payload, ok
}

// OnAnon registers handler as the recipient of DELIVER_ANON and direct
// datagram ANON messages addressed to field.
func (c *Client) OnAnon(field string, handler AnonHandler) {
	c.anonMu.Lock()
	defer c.anonMu.Unlock()
	c.anonSubs[field] = handler
}

// Rosstat requests a registry snapshot; handler is invoked with the JSON
// snapshot body when the reply arrives.
func (c *Client) Rosstat(handler RosstatHandler) error {
	c.rosstatMu.Lock()
	c.rosstatQueue = append(c.rosstatQueue, handler)
	c.rosstatMu.Unlock()
	return c.sw.WriteFrame(wire.OpRosstat, nil)
}

func subKey(node, field string) string {
	return node + "\x00" + field
}

func lvPair(a, b string) []byte {
	var buf bytes.Buffer
	wire.PutLV(&buf, a)
	wire.PutLV(&buf, b)
	return buf.Bytes()
}
