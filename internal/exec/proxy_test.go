package exec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	frame := append([]byte{FrameExit}, []byte(`{"exit_code":1,"reason":"exited"}`)...)
	framed := lengthPrefixed(frame)

	got, err := readFramed(bytes.NewReader(framed))
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestReadFramedMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(lengthPrefixed([]byte{0x01, 'a', 'b'}))
	buf.Write(lengthPrefixed([]byte{0x01, 'c'}))

	first, err := readFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 'a', 'b'}, first)

	second, err := readFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 'c'}, second)

	_, err = readFramed(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestParseExitPayload(t *testing.T) {
	end := parseExitPayload([]byte(`{"exit_code":7,"reason":"exited"}`))
	require.NotNil(t, end.ExitCode)
	require.Equal(t, 7, *end.ExitCode)
	require.Equal(t, "exited", end.Reason)
}

func TestParseExitPayloadMalformedFallsBackToExited(t *testing.T) {
	end := parseExitPayload([]byte(`not json`))
	require.Nil(t, end.ExitCode)
	require.Equal(t, "exited", end.Reason)
}

func TestWriteFramedInit(t *testing.T) {
	var buf bytes.Buffer
	init := ConnectInit{SessionID: "exec_abc", Command: []string{"sh"}, Stdin: true}
	require.NoError(t, writeFramedInit(&buf, init))

	frame, err := readFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameInit, frame[0])
	require.Contains(t, string(frame[1:]), "exec_abc")
}
