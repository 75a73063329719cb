// Package protocol defines the chat envelope and its wire framing.
//
// Frame layout:
//
//	[length (4 bytes, big-endian)][flags (1 byte)][body (length-1 bytes)]
//
// The body is the JSON encoding of an Envelope. Bodies of CompressionThreshold
// bytes or more are LZ4 block-compressed when that makes them smaller, in which
// case FlagCompressed is set and the body is prefixed with its uncompressed size.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum value of the length prefix (64KB).
	MaxFrameSize = 65536

	// CompressionThreshold is the minimum body size considered for compression.
	CompressionThreshold = 512

	headerSize = 4
)

// Flag bits.
const (
	FlagCompressed uint8 = 0x01

	knownFlags = FlagCompressed
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrDecompression = errors.New("protocol: decompression failed")
)

// IsDecodeError reports whether err means the bytes on the wire could not be
// interpreted, as opposed to the stream itself failing.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrDecompression)
}

// AppendFrame appends the encoded frame for e to dst.
func AppendFrame(dst []byte, e Envelope) ([]byte, error) {
	body, err := marshalEnvelope(e)
	if err != nil {
		return dst, fmt.Errorf("protocol: marshal: %w", err)
	}
	if 1+len(body) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, 1+len(body))
	}

	var flags uint8
	if len(body) >= CompressionThreshold {
		if compressed, ok := compress(body); ok {
			body = compressed
			flags |= FlagCompressed
		}
	}

	length := 1 + len(body)
	dst = binary.BigEndian.AppendUint32(dst, uint32(length)) //nolint:gosec // length already bounds-checked above
	dst = append(dst, flags)
	return append(dst, body...), nil
}

// WriteEnvelope writes one frame to w using a single Write call.
func WriteEnvelope(w io.Writer, e Envelope) error {
	frame, err := AppendFrame(nil, e)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads exactly one frame from r and decodes it.
//
// Stream errors (including io.EOF and io.ErrUnexpectedEOF for a frame cut
// short) are returned wrapped; malformed content satisfies IsDecodeError.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return Envelope{}, fmt.Errorf("%w: zero length", ErrInvalidFrame)
	}
	if length > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, fmt.Errorf("protocol: read body: %w", err)
	}

	flags, body := data[0], data[1:]
	if flags&^knownFlags != 0 {
		return Envelope{}, fmt.Errorf("%w: unknown flags 0x%02x", ErrInvalidFrame, flags)
	}
	if flags&FlagCompressed != 0 {
		var err error
		if body, err = decompress(body); err != nil {
			return Envelope{}, err
		}
	}

	e, err := unmarshalEnvelope(body)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return e, nil
}

// compress returns [uncompressed size][lz4 block], or ok=false when that
// would not be smaller than data.
func compress(data []byte) ([]byte, bool) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data))) //nolint:gosec // bounded by MaxFrameSize

	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return out[:4+n], true
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short payload", ErrDecompression)
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: uncompressed size %d", ErrFrameTooLarge, size)
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompression
	}
	return out, nil
}
