package render

import (
	"bufio"
	"io"

	"github.com/rote-mux/rote/internal/eventloop"
)

// DispatchKey maps one decoded input token to the renderer-independent
// eventloop.Key the event loop understands (spec.md §6 "Key bindings"). ok
// is false for unrecognized input, which callers silently drop.
func DispatchKey(token string) (eventloop.Key, bool) {
	switch token {
	case "q":
		return eventloop.Key{Binding: eventloop.KeyQuit}, true
	case "r":
		return eventloop.Key{Binding: eventloop.KeyRestartCurrent}, true
	case "o":
		return eventloop.Key{Binding: eventloop.KeyToggleStdout}, true
	case "e":
		return eventloop.Key{Binding: eventloop.KeyToggleStderr}, true
	case "s":
		return eventloop.Key{Binding: eventloop.KeyJumpStatus}, true
	case "\x1b[C": // right arrow
		return eventloop.Key{Binding: eventloop.KeyNextPanel}, true
	case "\x1b[D": // left arrow
		return eventloop.Key{Binding: eventloop.KeyPrevPanel}, true
	case "\x1b[A": // up arrow
		return eventloop.Key{Binding: eventloop.KeyScrollUp}, true
	case "\x1b[B": // down arrow
		return eventloop.Key{Binding: eventloop.KeyScrollDown}, true
	case "\x1b[5~": // PgUp
		return eventloop.Key{Binding: eventloop.KeyPageUp}, true
	case "\x1b[6~": // PgDn
		return eventloop.Key{Binding: eventloop.KeyPageDown}, true
	}
	if len(token) == 1 && token[0] >= '1' && token[0] <= '9' {
		return eventloop.Key{Binding: eventloop.KeySelectPanel, Arg: int(token[0] - '0')}, true
	}
	return eventloop.Key{}, false
}

// KeyboardWorker is the one cooperative worker spec.md §5 names ("one
// keyboard listener"). It reads raw bytes from r, assembles CSI escape
// sequences, and posts each recognized token to loop via DispatchKey/PostKey.
// It returns when r returns io.EOF or an unrecoverable read error (spec.md
// §7 "Io on the terminal is fatal and triggers shutdown").
func KeyboardWorker(r io.Reader, loop *eventloop.Loop) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			loop.RequestShutdown()
			return
		}

		token := string(b)
		if b == 0x1b {
			token += readEscapeSequence(br)
		}

		if k, ok := DispatchKey(token); ok {
			loop.PostKey(k)
		}
	}
}

// readEscapeSequence consumes the remainder of a CSI sequence ("[" followed
// by parameter bytes and a final letter/tilde), best-effort: unrecognized
// sequences still get consumed so they cannot corrupt the next token.
func readEscapeSequence(br *bufio.Reader) string {
	out := ""
	b, err := br.ReadByte()
	if err != nil {
		return out
	}
	out += string(b)
	if b != '[' {
		return out
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return out
		}
		out += string(b)
		if b >= '@' && b <= '~' {
			return out
		}
	}
}
