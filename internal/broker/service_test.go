package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tenzoki/meshbroker/internal/config"
	"github.com/tenzoki/meshbroker/internal/wire"
)

func startTestBroker(t *testing.T) (*Service, func()) {
	t.Helper()
	svc := NewService(&config.BrokerConfig{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("broker never became ready")
	}

	return svc, func() {
		cancel()
		<-done
	}
}

// dialAuth dials the broker, consumes REQUEST_AUTH, sends SEND_AUTH for
// name, and returns the raw connection for further frame exchange.
func dialAuth(t *testing.T, addr, name string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	op, _, err := wire.ReadFrame(conn)
	if err != nil || op != wire.OpRequestAuth {
		t.Fatalf("expected REQUEST_AUTH, got op=%v err=%v", op, err)
	}

	var body bytes.Buffer
	wire.PutLV(&body, name)
	frame, err := wire.EncodeFrame(wire.OpSendAuth, body.Bytes())
	if err != nil {
		t.Fatalf("encode SEND_AUTH: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write SEND_AUTH: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, op wire.Opcode, body []byte) {
	t.Helper()
	frame, err := wire.EncodeFrame(op, body)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func lv(values ...string) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		wire.PutLV(&buf, v)
	}
	return buf.Bytes()
}

func TestAuthCollision(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	first := dialAuth(t, svc.Addr(), "aaa")
	defer first.Close()

	second, err := net.Dial("tcp", svc.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	if op, _, err := wire.ReadFrame(second); err != nil || op != wire.OpRequestAuth {
		t.Fatalf("expected REQUEST_AUTH on second conn, got %v %v", op, err)
	}
	sendFrame(t, second, wire.OpSendAuth, lv("aaa"))

	op, body, err := wire.ReadFrame(second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != wire.OpError || wire.ErrorKind(body[0]) != wire.ErrInvalidCredentials {
		t.Fatalf("expected ERROR/InvalidCredentials, got op=%v body=%v", op, body)
	}

	// The original connection must remain usable.
	sendFrame(t, first, wire.OpPost, append(lv("tmp"), []byte("x")...))
	op, _, err = wire.ReadFrame(first)
	if err != nil || op != wire.OpPostAck {
		t.Fatalf("expected POST_ACK on original conn, got op=%v err=%v", op, err)
	}
}

func TestPublishBeforeSubscribeNotReplayed(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	pub := dialAuth(t, svc.Addr(), "pub")
	defer pub.Close()

	sendFrame(t, pub, wire.OpPost, append(lv("tmp"), []byte("hi")...))
	mustReadOp(t, pub, wire.OpPostAck)

	sub := dialAuth(t, svc.Addr(), "sub")
	defer sub.Close()
	sendFrame(t, sub, wire.OpSubscribe, lv("pub", "tmp"))

	sendFrame(t, pub, wire.OpPost, append(lv("tmp"), []byte("ho")...))
	mustReadOp(t, pub, wire.OpPostAck)

	op, body, err := wire.ReadFrame(sub)
	if err != nil || op != wire.OpDeliver {
		t.Fatalf("expected DELIVER, got op=%v err=%v", op, err)
	}
	node, rest, _ := wire.TakeLV(body)
	field, payload, _ := wire.TakeLV(rest)
	if node != "pub" || field != "tmp" || string(payload) != "ho" {
		t.Fatalf("got node=%q field=%q payload=%q", node, field, payload)
	}
}

func TestGetOnSubscribeCreatedFieldIsEmpty(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	pub := dialAuth(t, svc.Addr(), "pub")
	defer pub.Close()
	sub := dialAuth(t, svc.Addr(), "sub")
	defer sub.Close()

	sendFrame(t, sub, wire.OpSubscribe, lv("pub", "newfield"))
	sendFrame(t, sub, wire.OpGet, lv("pub", "newfield"))

	op, body, err := wire.ReadFrame(sub)
	if err != nil || op != wire.OpDeliver {
		t.Fatalf("expected DELIVER, got op=%v err=%v", op, err)
	}
	_, rest, _ := wire.TakeLV(body)
	_, payload, _ := wire.TakeLV(rest)
	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %v", payload)
	}
}

func TestAnonToUnknownTargetIsInvalidAnonTarget(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	x := dialAuth(t, svc.Addr(), "x")
	defer x.Close()

	sendFrame(t, x, wire.OpAnon, append(lv("ghost", "msg"), []byte{1, 2}...))
	op, body, err := wire.ReadFrame(x)
	if err != nil || op != wire.OpError || wire.ErrorKind(body[0]) != wire.ErrInvalidAnonTarget {
		t.Fatalf("expected ERROR/InvalidAnonTarget, got op=%v body=%v err=%v", op, body, err)
	}
}

func TestAnonRelayDeliversToTarget(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	x := dialAuth(t, svc.Addr(), "x")
	defer x.Close()
	y := dialAuth(t, svc.Addr(), "y")
	defer y.Close()

	sendFrame(t, x, wire.OpAnon, append(lv("y", "msg"), []byte{1, 2}...))

	op, body, err := wire.ReadFrame(y)
	if err != nil || op != wire.OpDeliverAnon {
		t.Fatalf("expected DELIVER_ANON, got op=%v err=%v", op, err)
	}
	sender, rest, _ := wire.TakeLV(body)
	field, payload, _ := wire.TakeLV(rest)
	if sender != "x" || field != "msg" || !bytes.Equal(payload, []byte{1, 2}) {
		t.Fatalf("got sender=%q field=%q payload=%v", sender, field, payload)
	}
}

func TestDisconnectCleansSubscriberList(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	pub := dialAuth(t, svc.Addr(), "pub")
	defer pub.Close()
	a := dialAuth(t, svc.Addr(), "a")
	b := dialAuth(t, svc.Addr(), "b")
	defer b.Close()

	sendFrame(t, a, wire.OpSubscribe, lv("pub", "f"))
	sendFrame(t, b, wire.OpSubscribe, lv("pub", "f"))

	a.Close()
	// Give the broker a moment to observe EOF and scrub the registry.
	time.Sleep(100 * time.Millisecond)

	sendFrame(t, pub, wire.OpPost, append(lv("f"), []byte("x")...))
	mustReadOp(t, pub, wire.OpPostAck)

	// b should receive exactly one DELIVER; a must not appear again.
	op, body, err := wire.ReadFrame(b)
	if err != nil || op != wire.OpDeliver {
		t.Fatalf("expected DELIVER at b, got op=%v err=%v", op, err)
	}
	node, _, _ := wire.TakeLV(body)
	if node != "pub" {
		t.Fatalf("expected delivery from pub, got %q", node)
	}

	rec, ok := svc.Registry().Lookup("a")
	if ok || rec != nil {
		t.Fatalf("expected a to be removed from the registry")
	}
}

func TestGetDatagramAddrUnknownPeerEchoesName(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	x := dialAuth(t, svc.Addr(), "x")
	defer x.Close()
	dialAuth(t, svc.Addr(), "y") // y exists but never advertised

	sendFrame(t, x, wire.OpGetDgramAddr, lv("y"))
	op, body, err := wire.ReadFrame(x)
	if err != nil || op != wire.OpError || wire.ErrorKind(body[0]) != wire.ErrUnknownDatagramPeer {
		t.Fatalf("expected ERROR/UnknownDatagramPeer, got op=%v body=%v err=%v", op, body, err)
	}
	name, _, err := wire.TakeLV(body[1:])
	if err != nil || name != "y" {
		t.Fatalf("expected echoed name y, got %q err=%v", name, err)
	}
}

func TestDatagramAddrRendezvousRoundTrip(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	x := dialAuth(t, svc.Addr(), "x")
	defer x.Close()
	y := dialAuth(t, svc.Addr(), "y")
	defer y.Close()

	var advertiseBody bytes.Buffer
	wire.PutLV(&advertiseBody, "10.0.0.9")
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], 6000)
	advertiseBody.Write(portBuf[:])
	sendFrame(t, y, wire.OpDgramAddr, advertiseBody.Bytes())
	time.Sleep(50 * time.Millisecond)

	sendFrame(t, x, wire.OpGetDgramAddr, lv("y"))
	op, body, err := wire.ReadFrame(x)
	if err != nil || op != wire.OpDgramAddr {
		t.Fatalf("expected DATAGRAM_ADDR, got op=%v err=%v", op, err)
	}
	name, rest, _ := wire.TakeLV(body)
	ip, rest, _ := wire.TakeLV(rest)
	port := binary.BigEndian.Uint16(rest)
	if name != "y" || ip != "10.0.0.9" || port != 6000 {
		t.Fatalf("got name=%q ip=%q port=%d", name, ip, port)
	}
}

func TestUnknownOpcodeIsMethodNotFound(t *testing.T) {
	svc, stop := startTestBroker(t)
	defer stop()

	x := dialAuth(t, svc.Addr(), "x")
	defer x.Close()

	sendFrame(t, x, wire.Opcode(0x42), nil)
	op, body, err := wire.ReadFrame(x)
	if err != nil || op != wire.OpError || wire.ErrorKind(body[0]) != wire.ErrMethodNotFound {
		t.Fatalf("expected ERROR/MethodNotFound, got op=%v body=%v err=%v", op, body, err)
	}
}

func mustReadOp(t *testing.T, conn net.Conn, want wire.Opcode) {
	t.Helper()
	op, _, err := wire.ReadFrame(conn)
	if err != nil || op != want {
		t.Fatalf("expected %v, got op=%v err=%v", want, op, err)
	}
}
