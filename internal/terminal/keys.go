package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rtloftin/discrete-bam/internal/input"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"golang.org/x/term"
)

// ErrInterrupted is returned by ReadKeys when the user presses Ctrl+C.
var ErrInterrupted = errors.New("interrupted")

const (
	readBufSize = 64

	// ctrlC is the ETX byte Ctrl+C produces once ISIG is off in raw mode.
	ctrlC = 3
	esc   = 0x1b
)

// MakeRaw puts f into raw mode when it is a terminal. The returned function
// restores the previous mode and is safe to call more than once.
func MakeRaw(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	restored := false
	return func() {
		if restored {
			return
		}
		restored = true
		_ = term.Restore(fd, old)
	}, nil
}

// ReadKeys feeds keystrokes from r to the environment's router until r is
// exhausted, ctx is done, or the user presses Ctrl+C.
//
// Terminals report keystrokes without release events, so every key is
// tapped.
func (e *Environment) ReadKeys(ctx context.Context, r io.Reader) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	// A blocked read cannot be interrupted; the goroutine exits on the next
	// keystroke after ctx is done.
	go func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var dec decoder
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read keys: %w", err)
		case chunk := <-chunks:
			for _, b := range chunk {
				if b == ctrlC {
					return ErrInterrupted
				}
				key, ok := dec.feed(b)
				if !ok {
					continue
				}
				if !e.router.Tap(key) {
					logger.Tracef("terminal: unbound key %q", key)
				}
			}
		}
	}
}

// decoder turns a byte stream into keys, folding ANSI arrow sequences
// (ESC [ A..D) into arrow keys.
type decoder struct {
	seq []byte
}

func (d *decoder) feed(b byte) (input.Key, bool) {
	switch len(d.seq) {
	case 0:
		if b == esc {
			d.seq = append(d.seq, b)
			return "", false
		}
		return input.Key(string(rune(b))), true
	case 1:
		if b == '[' || b == 'O' {
			d.seq = append(d.seq, b)
			return "", false
		}
		d.seq = d.seq[:0]
		return input.Key(string(rune(b))), true
	default:
		d.seq = d.seq[:0]
		switch b {
		case 'A':
			return input.ArrowUp, true
		case 'B':
			return input.ArrowDown, true
		case 'C':
			return input.ArrowRight, true
		case 'D':
			return input.ArrowLeft, true
		}
		return "", false
	}
}
