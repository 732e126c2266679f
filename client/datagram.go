package client

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/tenzoki/meshbroker/internal/wire"
)

const (
	datagramTickInterval = 10 * time.Millisecond
	pingTimeout          = 5 * time.Second
	pingPollInterval     = 50 * time.Millisecond
)

// udpReadLoop continuously appends inbound datagrams to their source
// address's receive buffer. It runs for the lifetime of the datagram
// socket; closing udpConn (on shutdown) unblocks it.
func (c *Client) udpReadLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := c.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.appendDgramBuffer(addr, buf[:n])
	}
}

func (c *Client) appendDgramBuffer(addr *net.UDPAddr, data []byte) {
	key := addr.String()

	c.dgramBufMu.Lock()
	rb, ok := c.dgramBufs[key]
	if !ok {
		rb = &wire.RecordBuffer{}
		c.dgramBufs[key] = rb
	}
	rb.Append(data)
	c.dgramBufMu.Unlock()
}

// datagramDispatchLoop scans per-peer receive buffers every tick and
// starts one parse task per non-empty buffer, mirroring §4.6's datagram
// loop shape (adapted to Go: the 10ms cadence is preserved as the
// dispatch tick, while reception itself is event-driven via udpReadLoop
// rather than polled).
func (c *Client) datagramDispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(datagramTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainBuffersOnce()
		}
	}
}

func (c *Client) drainBuffersOnce() {
	c.dgramBufMu.Lock()
	snapshot := make(map[string]*wire.RecordBuffer, len(c.dgramBufs))
	for k, v := range c.dgramBufs {
		snapshot[k] = v
	}
	c.dgramBufMu.Unlock()

	for addrStr, rb := range snapshot {
		op, payload, ok := rb.TakeRecord()
		if !ok {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		go c.handleDatagramRecord(udpAddr, op, payload)
	}
}

func (c *Client) handleDatagramRecord(addr *net.UDPAddr, op wire.DatagramOp, payload []byte) {
	switch op {
	case wire.DgramPing:
		c.udpConn.WriteToUDP(wire.EncodeRecord(wire.DgramPong, nil), addr)
	case wire.DgramPong:
		c.markReachable(addr)
	case wire.DgramAnon:
		sender, rest, err := wire.TakeLV(payload)
		if err != nil {
			return
		}
		field, opaque, err := wire.TakeLV(rest)
		if err != nil {
			return
		}

		c.anonMu.Lock()
		handler := c.anonSubs[field]
		c.anonMu.Unlock()

		if handler != nil {
			handler(opaque, sender)
		}
	}
}

func (c *Client) markReachable(addr *net.UDPAddr) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	for _, entry := range c.peers {
		if entry.addr != nil && udpAddrEqual(entry.addr, addr) {
			entry.reachable = true
			return
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Anon sends an anonymous message to node's field, choosing between the
// direct datagram fast path and the broker-relayed stream path per the
// four-branch policy of §4.5. forceRelay skips the datagram path
// unconditionally.
func (c *Client) Anon(node, field string, payload []byte, forceRelay bool) error {
	if forceRelay {
		return c.sendAnonRelay(node, field, payload)
	}

	c.peersMu.Lock()
	entry, known := c.peers[node]
	var reachable, tried bool
	var addr *net.UDPAddr
	if known {
		reachable, tried, addr = entry.reachable, entry.tried, entry.addr
	}
	c.peersMu.Unlock()

	switch {
	case known && reachable:
		return c.sendAnonDatagram(addr, field, payload)

	case known && tried:
		return c.sendAnonRelay(node, field, payload)

	case !known:
		if err := c.sendAnonRelay(node, field, payload); err != nil {
			return err
		}
		return c.sw.WriteFrame(wire.OpGetDgramAddr, lvString(node))

	default: // known, advertised, never tried: attempt rendezvous
		return c.rendezvousThenSend(node, entry, field, payload)
	}
}

// rendezvousThenSend pings an advertised-but-untried peer and waits up to
// pingTimeout, polling every pingPollInterval, for a PONG to mark it
// reachable. On success it sends the ANON directly; on timeout it falls
// back to the stream relay and marks the peer TriedUnreachable so future
// calls skip straight to relay.
func (c *Client) rendezvousThenSend(node string, entry *peerEntry, field string, payload []byte) error {
	if _, err := c.udpConn.WriteToUDP(wire.EncodeRecord(wire.DgramPing, nil), entry.addr); err != nil {
		return c.sendAnonRelay(node, field, payload)
	}

	deadline := time.Now().Add(pingTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(pingPollInterval)

		c.peersMu.Lock()
		reachable := entry.reachable
		c.peersMu.Unlock()

		if reachable {
			return c.sendAnonDatagram(entry.addr, field, payload)
		}
	}

	c.peersMu.Lock()
	entry.tried = true
	entry.reachable = false
	c.peersMu.Unlock()

	return c.sendAnonRelay(node, field, payload)
}

func (c *Client) sendAnonRelay(node, field string, payload []byte) error {
	var buf bytes.Buffer
	wire.PutLV(&buf, node)
	wire.PutLV(&buf, field)
	buf.Write(payload)
	return c.sw.WriteFrame(wire.OpAnon, buf.Bytes())
}

// sendAnonDatagram encodes a direct-datagram ANON record as
// name | field | payload, so the receiver can identify the sender without
// having independently looked up the sender's own advertised endpoint
// (mirroring the reference implementation's UDP ANON record layout).
func (c *Client) sendAnonDatagram(addr *net.UDPAddr, field string, payload []byte) error {
	var buf bytes.Buffer
	wire.PutLV(&buf, c.nodeName)
	wire.PutLV(&buf, field)
	buf.Write(payload)
	_, err := c.udpConn.WriteToUDP(wire.EncodeRecord(wire.DgramAnon, buf.Bytes()), addr)
	return err
}

func lvString(s string) []byte {
	var buf bytes.Buffer
	wire.PutLV(&buf, s)
	return buf.Bytes()
}
