// Package terminal relays an interactive remote shell to a browser over a
// WebSocket.
//
// Client to server messages are JSON text frames:
//
//	{"type": "input", "data": "ls\r"}
//	{"type": "resize", "cols": 120, "rows": 40}
//
// Binary frames are treated as raw input. Server to client messages are
// {"type": "output", "data": ...}, {"type": "closed"} when the remote shell
// ends and {"type": "error", "message": ...} on failure.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	units "github.com/docker/go-units"

	"github.com/gluk-w/vpsdeck/internal/metrics"
)

// Limits applied to client input.
const (
	DefaultMaxInput = 64 * 1024
	MaxCols         = 500
	MaxRows         = 200
	RateLimit       = 100
	RateBurst       = 200
)

const (
	readBufferSize = 32 * 1024
	writeTimeout   = 10 * time.Second
)

// Shell is the remote side of a terminal.
type Shell interface {
	io.ReadWriter
	Resize(cols, rows int) error
	Close() error
}

// Options tunes a proxy. Zero values select the defaults above.
type Options struct {
	MaxInput  int64
	RateLimit float64
	RateBurst int
	// Label identifies the terminal in logs.
	Label string
}

// ClientMessage is a frame sent by the browser.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// ServerMessage is a frame sent to the browser.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrRemoteClosed is returned by Run when the remote shell ended first.
var ErrRemoteClosed = errors.New("remote shell closed")

// Run relays between conn and sh until either side goes away, then closes
// the other. It returns ErrRemoteClosed when the shell ended, nil when the
// client disconnected, or the relay failure.
func Run(ctx context.Context, conn *websocket.Conn, sh Shell, opts Options) error {
	if opts.MaxInput <= 0 {
		opts.MaxInput = DefaultMaxInput
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = RateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = RateBurst
	}
	// Leave room for JSON framing around a maximal input.
	conn.SetReadLimit(opts.MaxInput*2 + 1024)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outputErr := make(chan error, 1)
	go func() { outputErr <- pumpOutput(ctx, conn, sh) }()

	inputErr := make(chan error, 1)
	go func() { inputErr <- pumpInput(ctx, conn, sh, opts) }()

	remoteClosed := func() error {
		wsjson.Write(ctx, conn, ServerMessage{Type: "closed"})
		conn.Close(websocket.StatusNormalClosure, "remote shell closed")
		log.Printf("[terminal] %s: remote shell closed", opts.Label)
		return ErrRemoteClosed
	}

	select {
	case err := <-outputErr:
		if err == nil {
			return remoteClosed()
		}
		sh.Close()
		if websocket.CloseStatus(err) != -1 {
			return nil
		}
		writeError(conn, err)
		conn.Close(websocket.StatusInternalError, "terminal relay failed")
		log.Printf("[terminal] %s: output relay failed: %v", opts.Label, err)
		return err

	case err := <-inputErr:
		// A failed shell write usually means the shell just exited; let the
		// output side report that.
		var se *shellError
		if errors.As(err, &se) {
			select {
			case oerr := <-outputErr:
				if oerr == nil {
					return remoteClosed()
				}
			case <-time.After(time.Second):
			}
		}
		sh.Close()
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			conn.Close(websocket.StatusNormalClosure, "")
			log.Printf("[terminal] %s: client disconnected", opts.Label)
			return nil
		}
		writeError(conn, err)
		conn.Close(websocket.StatusInternalError, "terminal relay failed")
		log.Printf("[terminal] %s: input relay failed: %v", opts.Label, err)
		return err
	}
}

// pumpOutput forwards shell output until the shell reports EOF (nil) or a
// read or write fails.
func pumpOutput(ctx context.Context, conn *websocket.Conn, sh Shell) error {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := sh.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(chunk)
			if len(carry) > 0 {
				carry = append([]byte(nil), carry...)
			}
			if len(complete) > 0 {
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				werr := wsjson.Write(wctx, conn, ServerMessage{Type: "output", Data: string(complete)})
				cancel()
				if werr != nil {
					return werr
				}
				metrics.TerminalBytes.WithLabelValues("out").Add(float64(len(complete)))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pumpInput forwards client frames to the shell until the client goes away.
func pumpInput(ctx context.Context, conn *websocket.Conn, sh Shell, opts Options) error {
	limiter := newRateLimiter(opts.RateLimit, opts.RateBurst)
	var dropped int
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.allow() {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				log.Printf("[terminal] %s: rate limited, %d messages dropped", opts.Label, dropped)
			}
			continue
		}

		var input []byte
		if typ == websocket.MessageBinary {
			input = data
		} else {
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				input = []byte(msg.Data)
			case "resize":
				if msg.Cols <= 0 || msg.Rows <= 0 {
					continue
				}
				if err := sh.Resize(min(msg.Cols, MaxCols), min(msg.Rows, MaxRows)); err != nil {
					return &shellError{err}
				}
				continue
			default:
				continue
			}
		}

		if int64(len(input)) > opts.MaxInput {
			log.Printf("[terminal] %s: input of %s exceeds limit of %s", opts.Label,
				units.BytesSize(float64(len(input))), units.BytesSize(float64(opts.MaxInput)))
			continue
		}
		if len(input) == 0 {
			continue
		}
		if _, err := sh.Write(input); err != nil {
			return &shellError{err}
		}
		metrics.TerminalBytes.WithLabelValues("in").Add(float64(len(input)))
	}
}

type shellError struct{ err error }

func (e *shellError) Error() string { return "shell: " + e.err.Error() }
func (e *shellError) Unwrap() error { return e.err }

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte character, plus the incomplete tail.
func splitUTF8(b []byte) (complete, tail []byte) {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return b, nil
		}
		return b[:start], b[start:]
	}
	return b, nil
}

func writeError(conn *websocket.Conn, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	wsjson.Write(ctx, conn, ServerMessage{Type: "error", Message: err.Error()})
}
