package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns the default textual codec (RFC 8259). This is the mesh wire
// format; the other codecs exist for denser deployments.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string             { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
