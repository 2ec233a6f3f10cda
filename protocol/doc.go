package protocol

// This package implements encoding and decoding of the text protocol spoken
// between lumen clients and the delivery engine.
//
// The protocol is line based and transport agnostic. The same lines travel
// over a raw TCP stream, a WebSocket or a gRPC stream; on a byte stream each
// line is `\r\n` terminated, on message based transports one message is one
// line.
//
// - `Command` - A client instruction to the engine.
// - `Response` - A single-shot reply from the engine to a command.
// - `Record` - An event frame pushed by the engine to a subscriber.
//
// === Commands
//
//   ```
//     VERB;KEY=:value;KEY=:value
//   ```
//
// Values are not escaped. Anything that may contain `;` or `=` (payloads,
// metadata, reasons) is base64 encoded by the client before it is written.
//
// - `CONN;KEY=:<appKey>` - authenticate
// - `RENEW;CLIENTID=:<clientId>` - renew the session credentials
// - `PUB;EVENT=:<topic>;PAYLOAD=:<b64 envelope>;METADATA=:<b64 json>`
// - `SUB;EVENT=:<topic>` / `UNSUB;EVENT=:<topic>`
// - `ACK;EVENT=:<topic>;IDEM=:<id>;BLOCK=:<block>` and `ROLLBACK` likewise
// - `DEFER;EVENT=:<topic>;IDEM=:<id>;DELAY=:<ms>;REASON=:<b64>`
// - `DISCARD;EVENT=:<topic>;IDEM=:<id>;REASON=:<b64>`
// - `REPLAY;EVENT=:<topic>;IDEM=:<id>`
// - `PAUSE;EVENT=:<topic>;REASON=:<b64>` / `CONTINUE;EVENT=:<topic>`
//
// Every command sent after CONN also carries `CLIENTID` and `HASH`.
//
// === Responses
//
// - `+PASS:<body>` - success, body is a flat `{key=value,...}` block or an opaque id
// - `-FAIL:<message>` - failure with a human readable message
// - `+REPLAY:<json>` - the record requested by REPLAY
// - `+RECORD:<json>` - a pushed event, never a reply
// - `PING` - keepalive from the engine, answered with `PONG`
//
// Replies carry no request id. They arrive in the order the commands were
// sent, so a client must match them to its oldest outstanding command. Pushed
// records and PINGs may interleave with replies but never consume a reply
// slot.
//
// === Records
//
// Records are JSON objects. The topic is found under `name`, `event_name` or
// `message_name`, the id under `id` or `idem`. `payload` is the base64 of a
// JSON encoded encryption envelope and `metadata` a JSON document, usually
// carried as a string.
//
