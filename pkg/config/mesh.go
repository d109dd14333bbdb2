package config

// MeshConfig holds the protocol timing knobs and wire format selection.
type MeshConfig struct {
	// Port is the mesh port. A link accepted on this port runs in
	// listener role; links dialed out run in initiator role.
	Port int `mapstructure:"port"`
	// NodeTimeoutMS is how long a link may stay silent before eviction.
	NodeTimeoutMS int `mapstructure:"node_timeout_ms"`
	// TickMS is the maintenance loop period.
	TickMS int `mapstructure:"tick_ms"`
	// Codec is the wire content type: application/json, application/cbor
	// or application/x-protobuf.
	Codec string `mapstructure:"codec"`
}
