// Package protocol defines the datagram wire contract shared between the
// multiplexer and the reliable-delivery engine.
//
// The engine owns the full header layout; the multiplexer only reads and
// writes the conversation identifier field, which sits at a fixed position in
// every datagram.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// ConvID identifies one logical conversation multiplexed over a shared socket.
type ConvID uint32

// Wire layout constants
const (
	// ConvReserved is the sentinel a client sends before the server has
	// assigned it an identifier.
	ConvReserved ConvID = 0

	// ConvOffset is the byte offset of the conversation ID in a datagram.
	ConvOffset = 0

	// ConvSize is the encoded width of the conversation ID.
	ConvSize = 4

	// HeaderSize is the engine's fixed header length. Datagrams shorter than
	// this cannot carry a valid segment and are dropped before demultiplexing.
	HeaderSize = 24
)

// String returns the identifier in decimal, matching log output.
func (c ConvID) String() string {
	return fmt.Sprintf("%d", uint32(c))
}

// IsReserved reports whether c is the unassigned sentinel.
func (c ConvID) IsReserved() bool {
	return c == ConvReserved
}

// ValidLength reports whether a datagram of n bytes is long enough to carry
// an engine segment.
func ValidLength(n int) bool {
	return n >= HeaderSize
}

// GetConv decodes the conversation ID from a raw datagram. The caller must
// have checked ValidLength first; GetConv only requires the ID field itself.
func GetConv(pkt []byte) ConvID {
	return ConvID(binary.LittleEndian.Uint32(pkt[ConvOffset:]))
}

// SetConv rewrites the conversation ID field in place. Used by the listener
// to stamp a freshly allocated ID into a conv-0 datagram before the engine
// sees it.
func SetConv(pkt []byte, conv ConvID) {
	binary.LittleEndian.PutUint32(pkt[ConvOffset:], uint32(conv))
}
