package client

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/tenzoki/meshbroker/internal/wire"
)

// streamLoop reads frames from the broker connection until a transport
// error or a fatal protocol error, per §4.5: "Reads frames; on
// REQUEST_AUTH sends SEND_AUTH and immediately advertises its datagram
// endpoint via DATAGRAM_ADDR."
func (c *Client) streamLoop() {
	conn := c.sw.Conn()
	for {
		op, body, err := wire.ReadFrame(conn)
		if err != nil {
			c.setErr(err)
			return
		}

		switch op {
		case wire.OpRequestAuth:
			if err := c.handshake(); err != nil {
				c.setErr(err)
				return
			}
		case wire.OpDeliver:
			c.handleDeliver(body)
		case wire.OpDeliverAnon:
			c.handleDeliverAnon(body)
		case wire.OpDgramAddr:
			c.handleDatagramAddrReply(body)
		case wire.OpPostAck:
			// fire-and-forget; nothing to correlate.
		case wire.OpRosstat:
			c.handleRosstatReply(body)
		case wire.OpError:
			if c.handleStreamError(body) {
				c.setErr(errFromKind(wire.ErrorKind(body[0])))
				return
			}
		default:
			c.logf("client: unhandled opcode %v", op)
		}
	}
}

// handshake sends SEND_AUTH for this client's node name, then advertises
// its own datagram endpoint as seen from the stream connection's local
// address, closing c.ready once both are sent.
func (c *Client) handshake() error {
	var authBody bytes.Buffer
	if err := wire.PutLV(&authBody, c.nodeName); err != nil {
		return err
	}
	if err := c.sw.WriteFrame(wire.OpSendAuth, authBody.Bytes()); err != nil {
		return err
	}

	localTCP, _ := c.sw.Conn().LocalAddr().(*net.TCPAddr)
	localUDP, _ := c.udpConn.LocalAddr().(*net.UDPAddr)
	if localTCP != nil && localUDP != nil {
		var advertiseBody bytes.Buffer
		wire.PutLV(&advertiseBody, localTCP.IP.String())
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], uint16(localUDP.Port))
		advertiseBody.Write(portBuf[:])
		if err := c.sw.WriteFrame(wire.OpDgramAddr, advertiseBody.Bytes()); err != nil {
			return err
		}
	}

	close(c.ready)
	return nil
}

func (c *Client) handleDeliver(body []byte) {
	node, rest, err := wire.TakeLV(body)
	if err != nil {
		return
	}
	field, payload, err := wire.TakeLV(rest)
	if err != nil {
		return
	}

	c.subsMu.Lock()
	handler := c.subs[subKey(node, field)]
	c.subsMu.Unlock()

	if handler != nil {
		handler(payload)
		return
	}

	c.receivedMu.Lock()
	if c.received[node] == nil {
		c.received[node] = make(map[string][]byte)
	}
	c.received[node][field] = payload
	c.receivedMu.Unlock()
}

func (c *Client) handleDeliverAnon(body []byte) {
	sender, rest, err := wire.TakeLV(body)
	if err != nil {
		return
	}
	field, payload, err := wire.TakeLV(rest)
	if err != nil {
		return
	}

	c.anonMu.Lock()
	handler := c.anonSubs[field]
	c.anonMu.Unlock()

	if handler != nil {
		handler(payload, sender)
	}
}

func (c *Client) handleDatagramAddrReply(body []byte) {
	name, rest, err := wire.TakeLV(body)
	if err != nil || len(rest) < 2 {
		return
	}
	ip, rest, err := wire.TakeLV(rest)
	if err != nil || len(rest) < 2 {
		return
	}
	port := binary.BigEndian.Uint16(rest)

	udpAddr := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}

	c.peersMu.Lock()
	c.peers[name] = &peerEntry{addr: udpAddr}
	c.peersMu.Unlock()
}

func (c *Client) handleRosstatReply(body []byte) {
	c.rosstatMu.Lock()
	var handler RosstatHandler
	if len(c.rosstatQueue) > 0 {
		handler = c.rosstatQueue[0]
		c.rosstatQueue = c.rosstatQueue[1:]
	}
	c.rosstatMu.Unlock()

	if handler != nil {
		handler(body)
	}
}

// handleStreamError processes an ERROR frame. It returns true if the
// error is fatal to the connection (auth failures), false if it is a
// recoverable, request-scoped error (e.g. an UnknownDatagramPeer reply to
// a GET_DATAGRAM_ADDR request).
func (c *Client) handleStreamError(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	kind := wire.ErrorKind(body[0])
	context := body[1:]

	switch kind {
	case wire.ErrNodeExists, wire.ErrInvalidCredentials:
		return true
	case wire.ErrUnknownDatagramPeer:
		name, _, err := wire.TakeLV(context)
		if err != nil {
			return false
		}
		c.peersMu.Lock()
		entry, ok := c.peers[name]
		if !ok {
			entry = &peerEntry{}
			c.peers[name] = entry
		}
		entry.tried = true
		entry.reachable = false
		c.peersMu.Unlock()
		return false
	default:
		c.logf("client: broker error %s", kind)
		return false
	}
}

func errFromKind(kind wire.ErrorKind) error {
	return &streamError{kind: kind}
}

type streamError struct {
	kind wire.ErrorKind
}

func (e *streamError) Error() string {
	return "client: broker error: " + e.kind.String()
}
