package tcp

import "io"

// FrameCodec is the collaborator that owns WebSocket connections once the
// router classifies them. The codec is a black box to this package: it
// performs the upgrade handshake from the buffered request head, consumes
// raw bytes as they arrive, and writes encoded frames back through the
// provided writer. Implementations live outside this module.
type FrameCodec interface {
	// Handshake performs the WebSocket upgrade for a newly routed
	// connection. head contains all bytes buffered so far (the HTTP
	// request head and anything pipelined behind it). A returned error
	// fails the handshake and tears the connection down.
	Handshake(connID string, head []byte, out io.Writer) error

	// ProcessBytes feeds raw post-handshake bytes into the codec. Decoded
	// messages and any reply frames are the codec's concern; replies are
	// written to out.
	ProcessBytes(connID string, data []byte, out io.Writer) error

	// Closed tells the codec a connection is gone so it can drop state.
	Closed(connID string)
}
