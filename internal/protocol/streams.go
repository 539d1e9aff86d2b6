package protocol

// Stream names and consumer groups shared by the gateway and the worker.
const (
	InboundStream  = "chat:inbound"
	outboundPrefix = "chat:outbound:"

	WorkerGroup  = "workers"
	GatewayGroup = "gateway"
)

// OutboundStream returns the per-session response stream for token.
func OutboundStream(token string) string {
	return outboundPrefix + token
}

// GatewayConsumer names the outbound consumer for token. It is stable across
// reconnects so a new connection resumes the previous one's pending entries.
func GatewayConsumer(token string) string {
	return "gw-" + token
}
