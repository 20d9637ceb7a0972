package models

// ChannelKind identifies one configured acquisition path.
type ChannelKind string

const (
	// ChannelAPI is the token-authenticated acquisition API.
	ChannelAPI ChannelKind = "api"
	// ChannelProxy is the legacy credentialed proxy.
	ChannelProxy ChannelKind = "proxy"
	// ChannelResidential is the residential-style proxy pool.
	ChannelResidential ChannelKind = "residential"
)

// ChannelState is the coarse health of a channel.
type ChannelState string

const (
	ChannelHealthy  ChannelState = "HEALTHY"
	ChannelDegraded ChannelState = "DEGRADED"
)

// SelectionPolicy controls how the router picks a channel per request.
type SelectionPolicy string

const (
	PolicyFixedAPI   SelectionPolicy = "fixed-api"
	PolicyFixedProxy SelectionPolicy = "fixed-proxy"
	PolicyAuto       SelectionPolicy = "auto"
)
