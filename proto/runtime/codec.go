// ABOUTME: gRPC codec that frames runtime messages with the protowire encoder.
// ABOUTME: Registered under the "covenwire" content-subtype at init.

package runtime

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the runtime channel negotiates.
const CodecName = "covenwire"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec implements encoding.Codec for the message types in this package.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("covenwire: cannot marshal %T", v)
	}
	return Marshal(m)
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("covenwire: cannot unmarshal into %T", v)
	}
	if err := m.consumeWire(data); err != nil {
		return fmt.Errorf("covenwire: %w", err)
	}
	return nil
}
