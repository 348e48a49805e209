package component

import "fmt"

// NetworkPort is a TCP or UDP bind: the UDP ingest socket of a sensor
// input or the listen address of the websocket output. Binds are
// exclusive, so the registry refuses two components on the same one.
type NetworkPort struct {
	Protocol string `json:"protocol"` // "tcp", "udp"
	Host     string `json:"host"`     // "0.0.0.0", "localhost"
	Port     int    `json:"port"`     // 5005, 8081
}

// ResourceID returns the protocol:host:port triple.
func (n NetworkPort) ResourceID() string {
	return fmt.Sprintf("%s:%s:%d", n.Protocol, n.Host, n.Port)
}

// IsExclusive reports true; only one component may hold a bind.
func (n NetworkPort) IsExclusive() bool {
	return true
}

// Type returns the port type identifier
func (n NetworkPort) Type() string {
	return "network"
}
