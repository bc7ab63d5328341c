package channel

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

const (
	serviceName   = "replica.Replication"
	connectMethod = "/" + serviceName + "/Connect"
)

// rawCodec passes frames through untouched; the payload is already encoded.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, errors.Errorf("raw codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("raw codec cannot unmarshal into %T", v)
	}
	// the transport may reuse data after Unmarshal returns
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "replica-raw"
}

var streamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}
