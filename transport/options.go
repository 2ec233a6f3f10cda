package transport

import (
	"go.uber.org/zap"
)

const (
	DefaultWriteQueueSize = 127
)

type Options struct {
	// Trace will log every frame sent and received. This is only useful in local debugging
	Trace bool

	// WriteQueueSize bounds the number of frames buffered for the write loop
	WriteQueueSize int

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteQueueSize < 1 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
