// Package lswire contains the wire codec for the lockstep protocol:
// binary topic framing at the transport boundary,
// and the versioned JSON envelope carrying protocol messages.
package lswire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	topicLenSize = 2

	// maxTopicLen is the largest topic length representable
	// in the u16 length prefix.
	maxTopicLen = 1<<16 - 1
)

var (
	// ErrTopicTooLong indicates an encode of a topic longer than 65535 bytes.
	ErrTopicTooLong = errors.New("lswire: topic exceeds 65535 bytes")

	// ErrShortFrame indicates a decode input shorter than its declared layout.
	ErrShortFrame = errors.New("lswire: frame truncated")
)

// Frame is one transport datagram: a routing topic and an opaque payload.
type Frame struct {
	Topic   string
	Payload []byte
}

// EncodeFrame serializes f as
// [topicLen: u16 little-endian][topic: UTF-8][payload].
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Topic) > maxTopicLen {
		return nil, fmt.Errorf("%w: %d", ErrTopicTooLong, len(f.Topic))
	}

	out := make([]byte, topicLenSize+len(f.Topic)+len(f.Payload))
	binary.LittleEndian.PutUint16(out[:topicLenSize], uint16(len(f.Topic)))
	copy(out[topicLenSize:], f.Topic)
	copy(out[topicLenSize+len(f.Topic):], f.Payload)
	return out, nil
}

// DecodeFrame parses the framing produced by [EncodeFrame].
// The returned payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < topicLenSize {
		return Frame{}, ErrShortFrame
	}
	topicLen := int(binary.LittleEndian.Uint16(data[:topicLenSize]))
	if len(data) < topicLenSize+topicLen {
		return Frame{}, fmt.Errorf("%w: want %d topic bytes, have %d",
			ErrShortFrame, topicLen, len(data)-topicLenSize)
	}

	return Frame{
		Topic:   string(data[topicLenSize : topicLenSize+topicLen]),
		Payload: data[topicLenSize+topicLen:],
	}, nil
}
