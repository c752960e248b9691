package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4

	// seqSize is the size of the per-sender frame sequence.
	seqSize = 8

	// frameHeaderSize is the sequence followed by the destination nonce.
	frameHeaderSize = seqSize + 8
)

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	// Write length prefix
	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	// Write payload
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}

// newFrame prefixes an encoded envelope with the sender's frame sequence and
// the nonce of the destination incarnation.
// The sequence makes every frame from one sender unique, so a frame seen
// twice is a retransmission. A zero nonce addresses whichever process holds
// the address.
// Format: [8 bytes big-endian seq] [8 bytes big-endian nonce] [envelope]
func newFrame(seq, nonce uint64, envelope []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(envelope))
	binary.BigEndian.PutUint64(frame, seq)
	binary.BigEndian.PutUint64(frame[seqSize:], nonce)
	copy(frame[frameHeaderSize:], envelope)

	return frame
}

// parseFrame returns the destination nonce and the envelope carried by a frame.
func parseFrame(frame []byte) (uint64, []byte, error) {
	if len(frame) < frameHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	return binary.BigEndian.Uint64(frame[seqSize:]), frame[frameHeaderSize:], nil
}
