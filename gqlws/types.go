package gqlws

// graphql-transport-ws message types.
const (
	// Client -> Server
	MsgTypeConnectionInit = "connection_init"
	MsgTypeSubscribe      = "subscribe"

	// Server -> Client
	MsgTypeConnectionAck = "connection_ack"
	MsgTypeNext          = "next"
	MsgTypeError         = "error"

	// Both directions
	MsgTypePing     = "ping"
	MsgTypePong     = "pong"
	MsgTypeComplete = "complete"
)

// Subprotocol is negotiated in the Sec-WebSocket-Protocol header.
const Subprotocol = "graphql-transport-ws"

// Reserved close codes.
const (
	// CloseRestart is sent by the client when it restarts the socket on purpose.
	// Streams ended by it complete normally.
	CloseRestart = 4205
	// CloseHeartbeatTimeout is sent by the client when a ping got no pong in time.
	CloseHeartbeatTimeout = 4408
)
