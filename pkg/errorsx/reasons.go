package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDecode ReasonCode = "decode"

	ReasonInboundConnection  ReasonCode = "inbound_connection"
	ReasonOutboundConnection ReasonCode = "outbound_connection"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTAuth    ReasonCode = "stt_auth"
	ReasonSTTTimeout ReasonCode = "stt_connect_timeout"

	ReasonWebhookSignature ReasonCode = "webhook_invalid_signature"

	ReasonStartupBind ReasonCode = "startup_bind"
	ReasonConfig      ReasonCode = "config_invalid"
)

// Kind groups reason codes into the error classes reported in logs.
type Kind string

const (
	KindUnknown        Kind = "Error"
	KindDecode         Kind = "DecodeError"
	KindConnection     Kind = "ConnectionError"
	KindAuthentication Kind = "AuthenticationError"
	KindStartup        Kind = "StartupError"
)

// KindOf reports the error class for err.
func KindOf(err error) Kind {
	switch Reason(err) {
	case ReasonDecode:
		return KindDecode
	case ReasonInboundConnection, ReasonOutboundConnection, ReasonSTTConnect, ReasonSTTSend, ReasonSTTTimeout:
		return KindConnection
	case ReasonSTTAuth:
		return KindAuthentication
	case ReasonStartupBind, ReasonConfig:
		return KindStartup
	default:
		return KindUnknown
	}
}

// IsAuth returns true when err is an outbound authentication failure.
func IsAuth(err error) bool {
	return HasReason(err, ReasonSTTAuth)
}
