package protocol

type Verb string

const (
	CONN     Verb = "CONN"
	RENEW    Verb = "RENEW"
	PUB      Verb = "PUB"
	SUB      Verb = "SUB"
	UNSUB    Verb = "UNSUB"
	ACK      Verb = "ACK"
	ROLLBACK Verb = "ROLLBACK"
	DEFER    Verb = "DEFER"
	DISCARD  Verb = "DISCARD"
	REPLAY   Verb = "REPLAY"
	PAUSE    Verb = "PAUSE"
	CONTINUE Verb = "CONTINUE"
	PING     Verb = "PING"
	PONG     Verb = "PONG"
)

// Field keys used by the engine.
const (
	KeyAppKey   = "KEY"
	KeyClientID = "CLIENTID"
	KeyHash     = "HASH"
	KeyEvent    = "EVENT"
	KeyPayload  = "PAYLOAD"
	KeyMetadata = "METADATA"
	KeyIdem     = "IDEM"
	KeyBlock    = "BLOCK"
	KeyDelay    = "DELAY"
	KeyReason   = "REASON"
)

type ResponseType string

const (
	RespPass         ResponseType = "+PASS:"
	RespFail         ResponseType = "-FAIL:"
	RespRecord       ResponseType = "+RECORD:"
	RespReplay       ResponseType = "+REPLAY:"
	RespPing         ResponseType = "PING"
	RespUnrecognized ResponseType = ""
)

// Field is a single KEY=:value pair of a command. Order matters on the wire.
type Field struct {
	Key   string
	Value string
}

func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Command is a client instruction to the engine.
type Command struct {
	Verb   Verb
	Fields []Field
}

func NewCommand(verb Verb, fields ...Field) *Command {
	return &Command{Verb: verb, Fields: fields}
}

// Get returns the value of the first field named key, or "" if there is none.
func (c *Command) Get(key string) string {
	for _, f := range c.Fields {
		if f.Key == key {
			return f.Value
		}
	}

	return ""
}

// With returns a copy of the command with the fields appended.
func (c *Command) With(fields ...Field) *Command {
	all := make([]Field, 0, len(c.Fields)+len(fields))
	all = append(all, c.Fields...)
	all = append(all, fields...)

	return &Command{Verb: c.Verb, Fields: all}
}

func (c *Command) String() string {
	return EncodeCommand(c.Verb, c.Fields...)
}

// ExpectsResponse is false for the keepalive verbs, which never occupy a
// pending request slot.
func (c *Command) ExpectsResponse() bool {
	return c.Verb != PING && c.Verb != PONG
}
