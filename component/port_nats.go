package component

import "fmt"

// NATSPort is a pub/sub subject: raw.detections.{source_id} out of the
// inputs, fused.objects out of the fusion processor. A Queue name puts
// subscribers in a queue group without changing the resource identity.
type NATSPort struct {
	Subject   string             `json:"subject"`
	Queue     string             `json:"queue,omitempty"`
	Interface *InterfaceContract `json:"interface,omitempty"`
}

// ResourceID returns nats: plus the subject.
func (n NATSPort) ResourceID() string {
	return fmt.Sprintf("nats:%s", n.Subject)
}

// IsExclusive reports false; any number of components may publish or
// subscribe on a subject.
func (n NATSPort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (n NATSPort) Type() string {
	return "nats"
}
