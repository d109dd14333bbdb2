package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: tcp
//     listen: [":5555"]
//     dial: ["10.0.0.2:5555"]
//   - kind: quic
//     listen: [":4433"]
//   - kind: winpipe
//     listen: ["\\\\.\\pipe\\treemesh"]
//   - kind: mem
//     listen: ["root:5555"]
type TransportConfig struct {
	Kind   string   `mapstructure:"kind"`
	Listen []string `mapstructure:"listen"`
	Dial   []string `mapstructure:"dial"`
}
