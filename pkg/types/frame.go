package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout, big endian:
//
//	[u32 body length][u32 crc32 of body][u32 type][u32 source][u32 destination][payload]
const (
	frameHeaderSize = 8
	frameRouteSize  = 12

	// MaxFrameSize bounds the body length accepted when reading. A larger
	// length means the header itself is corrupt.
	MaxFrameSize = 64 << 20
)

// ErrCorruptHeader is returned when a frame length cannot be trusted, so the
// reader cannot find the next frame boundary.
var ErrCorruptHeader = fmt.Errorf("%w: corrupt frame header", ErrMalformedEvent)

// EncodeFrame serializes ev into a self-delimited frame.
func EncodeFrame(ev *Event) ([]byte, error) {
	payload, err := EncodePayload(ev)
	if err != nil {
		return nil, err
	}
	bodyLen := frameRouteSize + len(payload)
	buf := make([]byte, frameHeaderSize+bodyLen)
	body := buf[frameHeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(ev.Type))
	binary.BigEndian.PutUint32(body[4:8], ev.SourceID)
	binary.BigEndian.PutUint32(body[8:12], ev.DestinationID)
	copy(body[frameRouteSize:], payload)

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(body))
	return buf, nil
}

// DecodeFrame parses one complete frame as produced by EncodeFrame.
func DecodeFrame(frame []byte) (*Event, error) {
	if len(frame) < frameHeaderSize+frameRouteSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedEvent, len(frame))
	}
	bodyLen := binary.BigEndian.Uint32(frame[0:4])
	if int(bodyLen) != len(frame)-frameHeaderSize {
		return nil, fmt.Errorf("%w: frame length %d does not match %d", ErrMalformedEvent, bodyLen, len(frame)-frameHeaderSize)
	}
	return decodeBody(binary.BigEndian.Uint32(frame[4:8]), frame[frameHeaderSize:])
}

// ReadFrame reads the next frame from r. It returns the number of bytes that
// belong to the frame even when the frame is malformed, so callers can skip
// it. A clean end of input returns io.EOF; a torn frame returns
// io.ErrUnexpectedEOF; an untrustworthy length returns ErrCorruptHeader.
func ReadFrame(r io.Reader) (*Event, int, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, n, io.ErrUnexpectedEOF
	}
	bodyLen := binary.BigEndian.Uint32(header[0:4])
	if bodyLen < frameRouteSize || bodyLen > MaxFrameSize {
		return nil, frameHeaderSize, ErrCorruptHeader
	}
	body := make([]byte, bodyLen)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return nil, frameHeaderSize + m, io.ErrUnexpectedEOF
	}
	size := frameHeaderSize + int(bodyLen)
	ev, err := decodeBody(binary.BigEndian.Uint32(header[4:8]), body)
	return ev, size, err
}

func decodeBody(checksum uint32, body []byte) (*Event, error) {
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformedEvent)
	}
	t := EventType(binary.BigEndian.Uint32(body[0:4]))
	payload, err := DecodePayload(t, body[frameRouteSize:])
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:          t,
		SourceID:      binary.BigEndian.Uint32(body[4:8]),
		DestinationID: binary.BigEndian.Uint32(body[8:12]),
		Payload:       payload,
	}, nil
}
