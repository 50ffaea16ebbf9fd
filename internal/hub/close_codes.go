package hub

// WebSocket close codes used by the chat protocol. The 4000 range is reserved for application use; standard codes
// come from RFC 6455: the transport library itself sends 1009 for an oversized frame, and Hub.Shutdown sends 1001.
const (
	CloseEvicted        = 4000
	CloseMissingToken   = 4001
	CloseInvalidToken   = 4002
	CloseInvalidPayload = 4003
)
