package protocol

import "fmt"

// Channel identifies one of the logical protocol channels the Channel
// Supervisor listens on or publishes to. The subject a Channel maps to
// depends on the configured namespace and, for per-node channels, a
// NodeId.
type Channel int

const (
	ChannelEvent Channel = iota
	ChannelRequest
	ChannelResponse
	ChannelDiscover
	ChannelDiscoverTargeted
	ChannelInfo
	ChannelInfoTargeted
	ChannelHeartbeat
	ChannelPing
	ChannelPingTargeted
	ChannelPong
	ChannelDisconnect
)

// Namespace returns the "<MOL>" or "<MOL-namespace>" prefix used by
// every subject name.
func Namespace(namespace string) string {
	if namespace == "" {
		return "MOL"
	}
	return "MOL-" + namespace
}

// Subject resolves a Channel to its concrete subject string for this
// node. node is required for the per-node channels (Event, Request,
// Response, the targeted Discover/Info/Ping variants, and Pong) and
// ignored otherwise.
func Subject(namespace string, ch Channel, node string) string {
	mol := Namespace(namespace)
	switch ch {
	case ChannelEvent:
		return fmt.Sprintf("%s.EVENT.%s", mol, node)
	case ChannelRequest:
		return fmt.Sprintf("%s.REQ.%s", mol, node)
	case ChannelResponse:
		return fmt.Sprintf("%s.RES.%s", mol, node)
	case ChannelDiscover:
		return mol + ".DISCOVER"
	case ChannelDiscoverTargeted:
		return fmt.Sprintf("%s.DISCOVER.%s", mol, node)
	case ChannelInfo:
		return mol + ".INFO"
	case ChannelInfoTargeted:
		return fmt.Sprintf("%s.INFO.%s", mol, node)
	case ChannelHeartbeat:
		return mol + ".HEARTBEAT"
	case ChannelPing:
		return mol + ".PING"
	case ChannelPingTargeted:
		return fmt.Sprintf("%s.PING.%s", mol, node)
	case ChannelPong:
		return fmt.Sprintf("%s.PONG.%s", mol, node)
	case ChannelDisconnect:
		return mol + ".DISCONNECT"
	default:
		return ""
	}
}

// EventSubject returns the external subject used to address peer
// node's EVENT channel.
func EventSubject(namespace, peer string) string {
	return Subject(namespace, ChannelEvent, peer)
}

// RequestSubject returns the external subject used to address peer
// node's REQUEST channel.
func RequestSubject(namespace, peer string) string {
	return Subject(namespace, ChannelRequest, peer)
}

// ResponseSubject returns the external subject used to address peer
// node's RESPONSE channel.
func ResponseSubject(namespace, peer string) string {
	return Subject(namespace, ChannelResponse, peer)
}

// PongSubject returns the subject a PONG reply is sent to: the
// prober's per-node PONG channel.
func PongSubject(namespace, prober string) string {
	return Subject(namespace, ChannelPong, prober)
}

// AllListenChannels lists every channel the Channel Supervisor spawns
// a listener for on startup.
func AllListenChannels() []Channel {
	return []Channel{
		ChannelEvent,
		ChannelRequest,
		ChannelResponse,
		ChannelDiscover,
		ChannelDiscoverTargeted,
		ChannelInfo,
		ChannelInfoTargeted,
		ChannelHeartbeat,
		ChannelPing,
		ChannelPingTargeted,
		ChannelPong,
		ChannelDisconnect,
	}
}
