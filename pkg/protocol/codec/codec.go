// Package codec provides the encode/decode service used for mesh messages.
// Implementations must be deterministic and safe for cross-node exchange.
package codec

// Codec marshals typed messages to and from wire bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the codecs that need no
// initialization: JSON and Protobuf. CBOR is added explicitly via
// Register(codec.CBOR()).
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any previous one for the content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
