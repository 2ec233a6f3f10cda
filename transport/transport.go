package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Send after the transport has been closed, and
	// passed to OnClose when the close was requested locally.
	ErrClosed = errors.New("transport: closed")
)

// Events receives everything a transport reads. OnFrame is called from a
// single goroutine, in the order frames were received. OnClose is called
// exactly once, after the last OnFrame.
type Events interface {
	OnFrame(frame []byte)
	OnClose(err error)
}

// Transport carries protocol lines to the engine. Send must be safe for
// concurrent use. Frames are single lines without a terminator.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Dialer opens a new Transport. The returned transport is already reading and
// delivering to events.
type Dialer interface {
	Dial(ctx context.Context, events Events) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, events Events) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, events Events) (Transport, error) {
	return f(ctx, events)
}
