package settlement

import "github.com/nats-io/nats.go"

const (
	SubjectRequested = "settlement.requested"
	SubjectReceipts  = "settlement.receipts"
)

// MessageBus mirrors settlement traffic to an internal broker.
type MessageBus interface {
	Publish(subject string, data []byte) error
}

type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// ConnectNATS returns nil without error when url is empty.
func ConnectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return nats.Connect(url, nats.Name("tally"))
}
