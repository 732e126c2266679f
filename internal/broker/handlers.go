package broker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/tenzoki/meshbroker/internal/registry"
	"github.com/tenzoki/meshbroker/internal/wire"
)

// handlePost implements POST: body = len_f | field[len_f] | payload.
// It upserts the field, fans out DELIVER to every subscriber that was on
// the list at the moment of publication, and only then acknowledges the
// publisher — preserving the ordering guarantee that fan-out of one POST
// completes before the next frame from this publisher is processed.
func (s *Service) handlePost(st *connState, body []byte) {
	field, payload, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	subscribers, err := s.reg.Publish(st.name, field, payload)
	if err != nil {
		// The publisher authenticated under its own name, so Publish can
		// only fail if the registry entry vanished concurrently; treat it
		// like any other malformed request rather than tearing down.
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	deliverBody, err := encodeDeliver(st.name, field, payload)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	if s.debug {
		log.Printf("broker: %s posted %s to %s (%d subscribers)", st.name, humanStat(len(payload)), field, len(subscribers))
	}

	var wg sync.WaitGroup
	for _, sub := range subscribers {
		rec, ok := s.reg.Lookup(sub)
		if !ok {
			continue // departed between publish and fan-out; its own disconnect already scrubbed it
		}
		wg.Add(1)
		go func(w wire.FrameWriter, name string) {
			defer wg.Done()
			if err := w.WriteFrame(wire.OpDeliver, deliverBody); err != nil && s.debug {
				log.Printf("broker: fan-out to %s failed: %v", name, err)
			}
		}(rec.Writer, sub)
	}
	wg.Wait()

	if err := st.writer.WriteFrame(wire.OpPostAck, []byte{0x00}); err != nil && s.debug {
		log.Printf("broker: failed to ack POST from %s: %v", st.name, err)
	}
}

// handleGet implements GET: body = len_n | node[len_n] | len_f | field[len_f].
func (s *Service) handleGet(st *connState, body []byte) {
	node, rest, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	field, _, err := wire.TakeLV(rest)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	payload, err := s.reg.Get(node, field)
	if err != nil {
		s.sendError(st.writer, wire.ErrInvalidCredentials, nil)
		return
	}

	deliverBody, err := encodeDeliver(node, field, payload)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	if err := st.writer.WriteFrame(wire.OpDeliver, deliverBody); err != nil && s.debug {
		log.Printf("broker: failed to send GET reply to %s: %v", st.name, err)
	}
}

// handleSubscribe implements SUBSCRIBE: body as GET.
func (s *Service) handleSubscribe(st *connState, body []byte) {
	node, rest, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	field, _, err := wire.TakeLV(rest)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	if err := s.reg.Subscribe(node, field, st.name); err != nil {
		if errors.Is(err, registry.ErrUnknownNode) {
			s.sendError(st.writer, wire.ErrInvalidSubscribe, nil)
			return
		}
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
	}
}

// handleUnsubscribe implements UNSUBSCRIBE, removing every occurrence of
// the caller's name from (node, field)'s subscriber list.
func (s *Service) handleUnsubscribe(st *connState, body []byte) {
	node, rest, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	field, _, err := wire.TakeLV(rest)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	if err := s.reg.Unsubscribe(node, field, st.name); err != nil {
		if errors.Is(err, registry.ErrUnknownNode) {
			s.sendError(st.writer, wire.ErrInvalidSubscribe, nil)
			return
		}
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
	}
}

// handleAnon implements ANON: body = len_n | node[len_n] | len_f | field[len_f] | opaque.
func (s *Service) handleAnon(st *connState, body []byte) {
	node, rest, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	field, opaque, err := wire.TakeLV(rest)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	rec, ok := s.reg.Lookup(node)
	if !ok {
		s.sendError(st.writer, wire.ErrInvalidAnonTarget, nil)
		return
	}

	deliverBody, err := encodeDeliverAnon(st.name, field, opaque)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	if err := rec.Writer.WriteFrame(wire.OpDeliverAnon, deliverBody); err != nil && s.debug {
		log.Printf("broker: anon relay %s->%s failed: %v", st.name, node, err)
	}
}

// handleDatagramAddrAdvertise records a client's self-reported datagram
// endpoint: body = ip_len | ip_ascii[ip_len] | port_u16_be.
func (s *Service) handleDatagramAddrAdvertise(st *connState, body []byte) {
	ip, rest, err := wire.TakeLV(body)
	if err != nil || len(rest) < 2 {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	port := binary.BigEndian.Uint16(rest[:2])

	rec, ok := s.reg.Lookup(st.name)
	if !ok {
		return
	}
	rec.SetDatagramAddr(ip, port)
	if s.debug {
		log.Printf("broker: %s advertised datagram endpoint %s:%d", st.name, ip, port)
	}
}

// handleGetDatagramAddr implements GET_DATAGRAM_ADDR: body = len_n | node_name[len_n].
func (s *Service) handleGetDatagramAddr(st *connState, body []byte) {
	node, _, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}

	rec, ok := s.reg.Lookup(node)
	if !ok {
		s.sendError(st.writer, wire.ErrUnknownDatagramPeer, nameContext(node))
		return
	}
	ip, port, hasDgram := rec.DatagramAddr()
	if !hasDgram {
		s.sendError(st.writer, wire.ErrUnknownDatagramPeer, nameContext(node))
		return
	}

	var buf bytes.Buffer
	_ = wire.PutLV(&buf, node)
	_ = wire.PutLV(&buf, ip)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	buf.Write(portBuf[:])

	if err := st.writer.WriteFrame(wire.OpDgramAddr, buf.Bytes()); err != nil && s.debug {
		log.Printf("broker: failed to send DATAGRAM_ADDR to %s: %v", st.name, err)
	}
}

// handleRosstat replies with a JSON snapshot of the registry, excluding
// payload bytes and writer handles.
func (s *Service) handleRosstat(st *connState) {
	snap := s.reg.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
		return
	}
	if s.debug {
		log.Printf("broker: ROSSTAT for %s: %s snapshot", st.name, humanStat(len(payload)))
	}
	if err := st.writer.WriteFrame(wire.OpRosstat, payload); err != nil && s.debug {
		log.Printf("broker: failed to send ROSSTAT to %s: %v", st.name, err)
	}
}

func nameContext(name string) []byte {
	var buf bytes.Buffer
	_ = wire.PutLV(&buf, name)
	return buf.Bytes()
}

func encodeDeliver(node, field string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.PutLV(&buf, node); err != nil {
		return nil, err
	}
	if err := wire.PutLV(&buf, field); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

func encodeDeliverAnon(sender, field string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.PutLV(&buf, sender); err != nil {
		return nil, err
	}
	if err := wire.PutLV(&buf, field); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}
