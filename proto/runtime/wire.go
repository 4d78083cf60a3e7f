// ABOUTME: Protobuf wire-format encoding for the runtime messages using protowire.
// ABOUTME: Zero values are omitted (proto3); unknown fields are skipped on decode.

package runtime

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrEmptyEnvelope is returned when a WorkerMessage or GatewayMessage has no field set.
var ErrEmptyEnvelope = errors.New("empty message envelope")

// wireMessage is implemented by every type in this package that travels on the wire.
type wireMessage interface {
	appendWire(b []byte) []byte
	consumeWire(b []byte) error
}

// fieldFunc consumes the value of one field and reports how many bytes it used.
// A negative count is a protowire parse error.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// consumeBytes copies the value out; gRPC may reuse the receive buffer.
func consumeBytes(b []byte, dst *[]byte) int {
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeMessage(b []byte, dst wireMessage) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, dst.consumeWire(v)
}

func consumeMapEntry(b []byte, dst *map[string]string) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	var key, value string
	err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &key), nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &value), nil
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return n, err
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	(*dst)[key] = value
	return n, nil
}

func isBytes(typ protowire.Type) bool  { return typ == protowire.BytesType }
func isVarint(typ protowire.Type) bool { return typ == protowire.VarintType }

// AgentId

func (x *AgentId) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.Type)
	return appendString(b, 2, x.Key)
}

func (x *AgentId) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.Type), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Key), nil
		}
		return skipField(num, typ, b)
	})
}

// Error

func (x *Error) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, uint64(x.Code))
	return appendString(b, 2, x.Message)
}

func (x *Error) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isVarint(typ):
			v, n := protowire.ConsumeVarint(b)
			x.Code = ErrorCode(v)
			return n, nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Message), nil
		}
		return skipField(num, typ, b)
	})
}

// appendError and consumeError handle the optional Error field shared by responses.
func appendError(b []byte, num protowire.Number, e *Error) []byte {
	if e == nil {
		return b
	}
	return appendMessage(b, num, e)
}

func consumeError(b []byte, dst **Error) (int, error) {
	*dst = &Error{}
	return consumeMessage(b, *dst)
}

func consumeAgentID(b []byte, dst **AgentId) (int, error) {
	*dst = &AgentId{}
	return consumeMessage(b, *dst)
}

// RegisterAgentTypeRequest

func (x *RegisterAgentTypeRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	return appendString(b, 2, x.Type)
}

func (x *RegisterAgentTypeRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Type), nil
		}
		return skipField(num, typ, b)
	})
}

// UnregisterAgentTypeRequest

func (x *UnregisterAgentTypeRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	return appendString(b, 2, x.Type)
}

func (x *UnregisterAgentTypeRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Type), nil
		}
		return skipField(num, typ, b)
	})
}

// RegisterAgentTypeResponse

func (x *RegisterAgentTypeResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	return appendError(b, 2, x.Error)
}

func (x *RegisterAgentTypeResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// Subscription

func (x *Subscription) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.Id)
	b = appendString(b, 2, x.Topic)
	b = appendString(b, 3, x.AgentType)
	return appendVarint(b, 4, protowire.EncodeBool(x.Prefix))
}

func (x *Subscription) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.Id), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Topic), nil
		case num == 3 && isBytes(typ):
			return consumeString(b, &x.AgentType), nil
		case num == 4 && isVarint(typ):
			v, n := protowire.ConsumeVarint(b)
			x.Prefix = protowire.DecodeBool(v)
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

// AddSubscriptionRequest

func (x *AddSubscriptionRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	if x.Subscription != nil {
		b = appendMessage(b, 2, x.Subscription)
	}
	return b
}

func (x *AddSubscriptionRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			x.Subscription = &Subscription{}
			return consumeMessage(b, x.Subscription)
		}
		return skipField(num, typ, b)
	})
}

// RemoveSubscriptionRequest

func (x *RemoveSubscriptionRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	return appendString(b, 2, x.Id)
}

func (x *RemoveSubscriptionRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Id), nil
		}
		return skipField(num, typ, b)
	})
}

// SubscriptionResponse

func (x *SubscriptionResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	b = appendString(b, 2, x.Id)
	return appendError(b, 3, x.Error)
}

func (x *SubscriptionResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Id), nil
		case num == 3 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// Event

func (x *Event) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.Topic)
	b = appendStringMap(b, 2, x.Attributes)
	b = appendBytes(b, 3, x.Payload)
	if x.Target != nil {
		b = appendMessage(b, 4, x.Target)
	}
	return b
}

func (x *Event) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.Topic), nil
		case num == 2 && isBytes(typ):
			return consumeMapEntry(b, &x.Attributes)
		case num == 3 && isBytes(typ):
			return consumeBytes(b, &x.Payload), nil
		case num == 4 && isBytes(typ):
			return consumeAgentID(b, &x.Target)
		}
		return skipField(num, typ, b)
	})
}

// RpcRequest

func (x *RpcRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	if x.Source != nil {
		b = appendMessage(b, 2, x.Source)
	}
	if x.Target != nil {
		b = appendMessage(b, 3, x.Target)
	}
	b = appendString(b, 4, x.Method)
	b = appendBytes(b, 5, x.Payload)
	b = appendVarint(b, 6, uint64(x.TimeoutMs))
	return appendStringMap(b, 7, x.Metadata)
}

func (x *RpcRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeAgentID(b, &x.Source)
		case num == 3 && isBytes(typ):
			return consumeAgentID(b, &x.Target)
		case num == 4 && isBytes(typ):
			return consumeString(b, &x.Method), nil
		case num == 5 && isBytes(typ):
			return consumeBytes(b, &x.Payload), nil
		case num == 6 && isVarint(typ):
			v, n := protowire.ConsumeVarint(b)
			x.TimeoutMs = uint32(v)
			return n, nil
		case num == 7 && isBytes(typ):
			return consumeMapEntry(b, &x.Metadata)
		}
		return skipField(num, typ, b)
	})
}

// RpcResponse

func (x *RpcResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	b = appendBytes(b, 2, x.Payload)
	return appendError(b, 3, x.Error)
}

func (x *RpcResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeBytes(b, &x.Payload), nil
		case num == 3 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// GetStateRequest

func (x *GetStateRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	if x.AgentId != nil {
		b = appendMessage(b, 2, x.AgentId)
	}
	return b
}

func (x *GetStateRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeAgentID(b, &x.AgentId)
		}
		return skipField(num, typ, b)
	})
}

// GetStateResponse

func (x *GetStateResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	b = appendBytes(b, 2, x.Payload)
	b = appendString(b, 3, x.Etag)
	return appendError(b, 4, x.Error)
}

func (x *GetStateResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeBytes(b, &x.Payload), nil
		case num == 3 && isBytes(typ):
			return consumeString(b, &x.Etag), nil
		case num == 4 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// SaveStateRequest

func (x *SaveStateRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	if x.AgentId != nil {
		b = appendMessage(b, 2, x.AgentId)
	}
	b = appendBytes(b, 3, x.Payload)
	return appendString(b, 4, x.Etag)
}

func (x *SaveStateRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeAgentID(b, &x.AgentId)
		case num == 3 && isBytes(typ):
			return consumeBytes(b, &x.Payload), nil
		case num == 4 && isBytes(typ):
			return consumeString(b, &x.Etag), nil
		}
		return skipField(num, typ, b)
	})
}

// SaveStateResponse

func (x *SaveStateResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	b = appendString(b, 2, x.Etag)
	return appendError(b, 3, x.Error)
}

func (x *SaveStateResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.Etag), nil
		case num == 3 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// ListAgentTypesRequest

func (x *ListAgentTypesRequest) appendWire(b []byte) []byte {
	return appendString(b, 1, x.RequestId)
}

func (x *ListAgentTypesRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && isBytes(typ) {
			return consumeString(b, &x.RequestId), nil
		}
		return skipField(num, typ, b)
	})
}

// ListAgentTypesResponse

func (x *ListAgentTypesResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.RequestId)
	for _, t := range x.Types {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	return appendError(b, 3, x.Error)
}

func (x *ListAgentTypesResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.RequestId), nil
		case num == 2 && isBytes(typ):
			var t string
			n := consumeString(b, &t)
			if n >= 0 {
				x.Types = append(x.Types, t)
			}
			return n, nil
		case num == 3 && isBytes(typ):
			return consumeError(b, &x.Error)
		}
		return skipField(num, typ, b)
	})
}

// Welcome

func (x *Welcome) appendWire(b []byte) []byte {
	b = appendString(b, 1, x.ConnectionId)
	return appendString(b, 2, x.ServerId)
}

func (x *Welcome) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && isBytes(typ):
			return consumeString(b, &x.ConnectionId), nil
		case num == 2 && isBytes(typ):
			return consumeString(b, &x.ServerId), nil
		}
		return skipField(num, typ, b)
	})
}

// WorkerMessage

func (x *WorkerMessage) appendWire(b []byte) []byte {
	switch {
	case x.RegisterAgentType != nil:
		return appendMessage(b, 1, x.RegisterAgentType)
	case x.UnregisterAgentType != nil:
		return appendMessage(b, 2, x.UnregisterAgentType)
	case x.AddSubscription != nil:
		return appendMessage(b, 3, x.AddSubscription)
	case x.RemoveSubscription != nil:
		return appendMessage(b, 4, x.RemoveSubscription)
	case x.Event != nil:
		return appendMessage(b, 5, x.Event)
	case x.Request != nil:
		return appendMessage(b, 6, x.Request)
	case x.Response != nil:
		return appendMessage(b, 7, x.Response)
	case x.GetState != nil:
		return appendMessage(b, 8, x.GetState)
	case x.SaveState != nil:
		return appendMessage(b, 9, x.SaveState)
	case x.ListAgentTypes != nil:
		return appendMessage(b, 10, x.ListAgentTypes)
	}
	return b
}

func (x *WorkerMessage) consumeWire(b []byte) error {
	*x = WorkerMessage{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if !isBytes(typ) {
			return skipField(num, typ, b)
		}
		switch num {
		case 1:
			x.RegisterAgentType = &RegisterAgentTypeRequest{}
			return consumeMessage(b, x.RegisterAgentType)
		case 2:
			x.UnregisterAgentType = &UnregisterAgentTypeRequest{}
			return consumeMessage(b, x.UnregisterAgentType)
		case 3:
			x.AddSubscription = &AddSubscriptionRequest{}
			return consumeMessage(b, x.AddSubscription)
		case 4:
			x.RemoveSubscription = &RemoveSubscriptionRequest{}
			return consumeMessage(b, x.RemoveSubscription)
		case 5:
			x.Event = &Event{}
			return consumeMessage(b, x.Event)
		case 6:
			x.Request = &RpcRequest{}
			return consumeMessage(b, x.Request)
		case 7:
			x.Response = &RpcResponse{}
			return consumeMessage(b, x.Response)
		case 8:
			x.GetState = &GetStateRequest{}
			return consumeMessage(b, x.GetState)
		case 9:
			x.SaveState = &SaveStateRequest{}
			return consumeMessage(b, x.SaveState)
		case 10:
			x.ListAgentTypes = &ListAgentTypesRequest{}
			return consumeMessage(b, x.ListAgentTypes)
		}
		return skipField(num, typ, b)
	})
}

// GatewayMessage

func (x *GatewayMessage) appendWire(b []byte) []byte {
	switch {
	case x.Welcome != nil:
		return appendMessage(b, 1, x.Welcome)
	case x.RegisterAgentTypeResponse != nil:
		return appendMessage(b, 2, x.RegisterAgentTypeResponse)
	case x.SubscriptionResponse != nil:
		return appendMessage(b, 3, x.SubscriptionResponse)
	case x.Event != nil:
		return appendMessage(b, 4, x.Event)
	case x.Request != nil:
		return appendMessage(b, 5, x.Request)
	case x.Response != nil:
		return appendMessage(b, 6, x.Response)
	case x.GetStateResponse != nil:
		return appendMessage(b, 7, x.GetStateResponse)
	case x.SaveStateResponse != nil:
		return appendMessage(b, 8, x.SaveStateResponse)
	case x.ListAgentTypesResponse != nil:
		return appendMessage(b, 9, x.ListAgentTypesResponse)
	}
	return b
}

func (x *GatewayMessage) consumeWire(b []byte) error {
	*x = GatewayMessage{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if !isBytes(typ) {
			return skipField(num, typ, b)
		}
		switch num {
		case 1:
			x.Welcome = &Welcome{}
			return consumeMessage(b, x.Welcome)
		case 2:
			x.RegisterAgentTypeResponse = &RegisterAgentTypeResponse{}
			return consumeMessage(b, x.RegisterAgentTypeResponse)
		case 3:
			x.SubscriptionResponse = &SubscriptionResponse{}
			return consumeMessage(b, x.SubscriptionResponse)
		case 4:
			x.Event = &Event{}
			return consumeMessage(b, x.Event)
		case 5:
			x.Request = &RpcRequest{}
			return consumeMessage(b, x.Request)
		case 6:
			x.Response = &RpcResponse{}
			return consumeMessage(b, x.Response)
		case 7:
			x.GetStateResponse = &GetStateResponse{}
			return consumeMessage(b, x.GetStateResponse)
		case 8:
			x.SaveStateResponse = &SaveStateResponse{}
			return consumeMessage(b, x.SaveStateResponse)
		case 9:
			x.ListAgentTypesResponse = &ListAgentTypesResponse{}
			return consumeMessage(b, x.ListAgentTypesResponse)
		}
		return skipField(num, typ, b)
	})
}

// Marshal encodes a WorkerMessage or GatewayMessage. An envelope with no field set
// is rejected so a peer never receives a frame it cannot dispatch.
func Marshal(m wireMessage) ([]byte, error) {
	b := m.appendWire(nil)
	if len(b) == 0 {
		switch m.(type) {
		case *WorkerMessage, *GatewayMessage:
			return nil, ErrEmptyEnvelope
		}
	}
	return b, nil
}
