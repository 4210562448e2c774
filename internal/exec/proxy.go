package exec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types mirror exec_sessions.rs's wire bytes: the first byte of
// every frame tags init/exit so a single TCP connection carries a
// length-prefixed exec channel alongside raw stdio bytes.
const (
	FrameInit byte = 0x20
	FrameExit byte = 0x11
)

// ConnectInit is sent once, length-prefixed, as the first frame to the
// node agent's exec listener.
type ConnectInit struct {
	SessionID  string            `json:"session_id"`
	InstanceID string            `json:"instance_id"`
	Command    []string          `json:"command"`
	TTY        bool              `json:"tty"`
	Cols       uint16            `json:"cols"`
	Rows       uint16            `json:"rows"`
	Env        map[string]string `json:"env"`
	Stdin      bool              `json:"stdin"`
}

// EndState is the terminal outcome of one proxied session, captured once
// from whichever side (client or node) ends first.
type EndState struct {
	ExitCode *int
	Reason   string
}

// Pump dials the node's exec port, sends init, then bridges clientConn (a
// WebSocket) and the TCP connection until either side closes. It returns
// the terminal EndState exactly once: a shared sync.Once guards against
// both pump goroutines racing to report the end, matching
// exec_sessions.rs's end_state/end_emitted guard around
// emit_exec_end_from_state.
func Pump(ctx context.Context, clientConn *websocket.Conn, nodeAddr string, init ConnectInit, dialTimeout time.Duration) (EndState, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	agentConn, err := dialer.DialContext(ctx, "tcp", nodeAddr)
	if err != nil {
		return EndState{Reason: "connect_timeout"}, err
	}
	defer agentConn.Close()

	if err := writeFramedInit(agentConn, init); err != nil {
		return EndState{Reason: "connect_timeout"}, err
	}

	var (
		end     EndState
		endOnce sync.Once
	)
	setEnd := func(s EndState) {
		endOnce.Do(func() { end = s })
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var wsWriteMu sync.Mutex
	go func() {
		defer wg.Done()
		defer clientConn.Close() // unblocks the client reader below
		for {
			frame, err := readFramed(agentConn)
			if err != nil {
				setEnd(EndState{Reason: "client_disconnect"})
				return
			}
			if len(frame) == 0 {
				continue
			}
			frameType := frame[0]
			wsWriteMu.Lock()
			sendErr := clientConn.WriteMessage(websocket.BinaryMessage, frame)
			wsWriteMu.Unlock()
			if frameType == FrameExit {
				setEnd(parseExitPayload(frame[1:]))
				return
			}
			if sendErr != nil {
				setEnd(EndState{Reason: "client_disconnect"})
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer agentConn.Close() // unblocks the agent reader above
		for {
			mt, data, err := clientConn.ReadMessage()
			if err != nil {
				setEnd(EndState{Reason: "client_disconnect"})
				return
			}
			if mt != websocket.BinaryMessage || len(data) == 0 {
				continue
			}
			if _, err := agentConn.Write(lengthPrefixed(data)); err != nil {
				setEnd(EndState{Reason: "client_disconnect"})
				return
			}
		}
	}()

	wg.Wait()
	setEnd(EndState{Reason: "client_disconnect"})
	return end, nil
}

func writeFramedInit(w io.Writer, init ConnectInit) error {
	payload, err := json.Marshal(init)
	if err != nil {
		return err
	}
	frame := append([]byte{FrameInit}, payload...)
	_, err = w.Write(lengthPrefixed(frame))
	return err
}

func lengthPrefixed(frame []byte) []byte {
	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func parseExitPayload(payload []byte) EndState {
	var parsed struct {
		ExitCode int    `json:"exit_code"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return EndState{Reason: "exited"}
	}
	code := parsed.ExitCode
	return EndState{ExitCode: &code, Reason: parsed.Reason}
}
