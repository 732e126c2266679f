package broker

import (
	"net"

	"github.com/tenzoki/meshbroker/internal/wire"
)

// connWriter is the broker's per-connection FrameWriter. It is a thin alias
// over wire.StreamWriter; kept as a named type so broker-side connection
// plumbing reads the way the teacher's own per-connection types do.
type connWriter = wire.StreamWriter

func newConnWriter(conn net.Conn) *connWriter {
	return wire.NewStreamWriter(conn)
}
