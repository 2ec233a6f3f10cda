package client

import (
	"errors"

	"github.com/luma/lumen/protocol"
)

var (
	ErrAuthentication = errors.New("Authentication failed")
	ErrConnectionLost = errors.New("Connection lost")
	ErrValidation     = errors.New("Invalid argument")
	ErrTimeout        = errors.New("Request timed out")
	ErrNotConnected   = errors.New("Not connected")
	ErrClosed         = errors.New("Client closed")
	ErrGivenUp        = errors.New("Gave up reconnecting")

	ErrPublish      = errors.New("Publish failed")
	ErrSubscription = errors.New("Subscription failed")
	ErrAck          = errors.New("Ack failed")
	ErrRollback     = errors.New("Rollback failed")
	ErrReplay       = errors.New("Replay failed")
	ErrDefer        = errors.New("Defer failed")
	ErrDiscard      = errors.New("Discard failed")
	ErrPause        = errors.New("Pause failed")
	ErrContinue     = errors.New("Continue failed")
	ErrRenew        = errors.New("Renew failed")
	ErrRemote       = errors.New("Engine refused the command")
)

var verbErrors = map[protocol.Verb]error{
	protocol.CONN:     ErrAuthentication,
	protocol.RENEW:    ErrRenew,
	protocol.PUB:      ErrPublish,
	protocol.SUB:      ErrSubscription,
	protocol.UNSUB:    ErrSubscription,
	protocol.ACK:      ErrAck,
	protocol.ROLLBACK: ErrRollback,
	protocol.DEFER:    ErrDefer,
	protocol.DISCARD:  ErrDiscard,
	protocol.REPLAY:   ErrReplay,
	protocol.PAUSE:    ErrPause,
	protocol.CONTINUE: ErrContinue,
}

// RemoteError carries a -FAIL: message from the engine. Kind is the
// verb-specific sentinel, so errors.Is(err, ErrDefer) works.
type RemoteError struct {
	Kind    error
	Message string
}

func newRemoteError(verb protocol.Verb, message string) *RemoteError {
	kind, ok := verbErrors[verb]
	if !ok {
		kind = ErrRemote
	}

	return &RemoteError{Kind: kind, Message: message}
}

func (e *RemoteError) Error() string {
	return e.Kind.Error() + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}
