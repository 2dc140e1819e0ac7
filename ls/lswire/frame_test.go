package lswire_test

import (
	"strings"
	"testing"

	"github.com/lockstep-engine/lockstep/ls/lswire"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	in := lswire.Frame{Topic: "node", Payload: []byte(`{"v":"v1"}`)}

	data, err := lswire.EncodeFrame(in)
	require.NoError(t, err)

	// u16 LE length prefix, then topic bytes.
	require.Equal(t, byte(4), data[0])
	require.Equal(t, byte(0), data[1])
	require.Equal(t, "node", string(data[2:6]))

	out, err := lswire.DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, in.Topic, out.Topic)
	require.Equal(t, in.Payload, out.Payload)
}

func TestFrame_EmptyPayload(t *testing.T) {
	t.Parallel()

	data, err := lswire.EncodeFrame(lswire.Frame{Topic: "x"})
	require.NoError(t, err)

	out, err := lswire.DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, "x", out.Topic)
	require.Empty(t, out.Payload)
}

func TestFrame_TopicTooLong(t *testing.T) {
	t.Parallel()

	_, err := lswire.EncodeFrame(lswire.Frame{
		Topic: strings.Repeat("a", 1<<16),
	})
	require.ErrorIs(t, err, lswire.ErrTopicTooLong)
}

func TestFrame_Truncated(t *testing.T) {
	t.Parallel()

	_, err := lswire.DecodeFrame([]byte{7})
	require.ErrorIs(t, err, lswire.ErrShortFrame)

	// Declares a 10-byte topic but carries only 3.
	_, err = lswire.DecodeFrame([]byte{10, 0, 'a', 'b', 'c'})
	require.ErrorIs(t, err, lswire.ErrShortFrame)
}
