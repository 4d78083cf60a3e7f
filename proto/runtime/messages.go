// ABOUTME: Message types for the AgentRuntime channel, mirroring runtime.proto field for field.
// ABOUTME: Oneof envelopes are modelled as structs with exactly one non-nil pointer set.

package runtime

// ErrorCode classifies a failed request on the wire.
type ErrorCode int32

const (
	ErrorCode_UNSPECIFIED          ErrorCode = 0
	ErrorCode_NOT_FOUND            ErrorCode = 1
	ErrorCode_CONFLICT             ErrorCode = 2
	ErrorCode_NO_COMPATIBLE_WORKER ErrorCode = 3
	ErrorCode_TARGET_UNAVAILABLE   ErrorCode = 4
	ErrorCode_TIMEOUT              ErrorCode = 5
	ErrorCode_DEGRADED             ErrorCode = 6
	ErrorCode_INVALID_ARGUMENT     ErrorCode = 7
	ErrorCode_UNAUTHENTICATED      ErrorCode = 8
	ErrorCode_APPLICATION          ErrorCode = 9
	ErrorCode_INTERNAL             ErrorCode = 10
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCode_UNSPECIFIED:          "UNSPECIFIED",
	ErrorCode_NOT_FOUND:            "NOT_FOUND",
	ErrorCode_CONFLICT:             "CONFLICT",
	ErrorCode_NO_COMPATIBLE_WORKER: "NO_COMPATIBLE_WORKER",
	ErrorCode_TARGET_UNAVAILABLE:   "TARGET_UNAVAILABLE",
	ErrorCode_TIMEOUT:              "TIMEOUT",
	ErrorCode_DEGRADED:             "DEGRADED",
	ErrorCode_INVALID_ARGUMENT:     "INVALID_ARGUMENT",
	ErrorCode_UNAUTHENTICATED:      "UNAUTHENTICATED",
	ErrorCode_APPLICATION:          "APPLICATION",
	ErrorCode_INTERNAL:             "INTERNAL",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// AgentId addresses one agent instance.
type AgentId struct {
	Type string
	Key  string
}

func (x *AgentId) GetType() string {
	if x == nil {
		return ""
	}
	return x.Type
}

func (x *AgentId) GetKey() string {
	if x == nil {
		return ""
	}
	return x.Key
}

// Error carries a failure back to the requester.
type Error struct {
	Code    ErrorCode
	Message string
}

func (x *Error) GetCode() ErrorCode {
	if x == nil {
		return ErrorCode_UNSPECIFIED
	}
	return x.Code
}

func (x *Error) GetMessage() string {
	if x == nil {
		return ""
	}
	return x.Message
}

type RegisterAgentTypeRequest struct {
	RequestId string
	Type      string
}

type UnregisterAgentTypeRequest struct {
	RequestId string
	Type      string
}

type RegisterAgentTypeResponse struct {
	RequestId string
	Error     *Error
}

// Subscription binds a topic (or topic prefix) to an agent type.
type Subscription struct {
	Id        string
	Topic     string
	AgentType string
	Prefix    bool
}

type AddSubscriptionRequest struct {
	RequestId    string
	Subscription *Subscription
}

type RemoveSubscriptionRequest struct {
	RequestId string
	Id        string
}

type SubscriptionResponse struct {
	RequestId string
	Id        string
	Error     *Error
}

// Event is a CloudEvents-style broadcast. id, type and source travel in Attributes.
type Event struct {
	Topic      string
	Attributes map[string]string
	Payload    []byte
	Target     *AgentId
}

// Well-known event attribute keys.
const (
	AttrID     = "id"
	AttrType   = "type"
	AttrSource = "source"
)

func (x *Event) GetTopic() string {
	if x == nil {
		return ""
	}
	return x.Topic
}

func (x *Event) GetAttribute(key string) string {
	if x == nil || x.Attributes == nil {
		return ""
	}
	return x.Attributes[key]
}

func (x *Event) GetTarget() *AgentId {
	if x == nil {
		return nil
	}
	return x.Target
}

type RpcRequest struct {
	RequestId string
	Source    *AgentId
	Target    *AgentId
	Method    string
	Payload   []byte
	TimeoutMs uint32
	Metadata  map[string]string
}

func (x *RpcRequest) GetRequestId() string {
	if x == nil {
		return ""
	}
	return x.RequestId
}

func (x *RpcRequest) GetTarget() *AgentId {
	if x == nil {
		return nil
	}
	return x.Target
}

type RpcResponse struct {
	RequestId string
	Payload   []byte
	Error     *Error
}

func (x *RpcResponse) GetRequestId() string {
	if x == nil {
		return ""
	}
	return x.RequestId
}

type GetStateRequest struct {
	RequestId string
	AgentId   *AgentId
}

type GetStateResponse struct {
	RequestId string
	Payload   []byte
	Etag      string
	Error     *Error
}

type SaveStateRequest struct {
	RequestId string
	AgentId   *AgentId
	Payload   []byte
	Etag      string
}

type SaveStateResponse struct {
	RequestId string
	Etag      string
	Error     *Error
}

type ListAgentTypesRequest struct {
	RequestId string
}

type ListAgentTypesResponse struct {
	RequestId string
	Types     []string
	Error     *Error
}

// Welcome is the first message the gateway sends on a new channel.
type Welcome struct {
	ConnectionId string
	ServerId     string
}

// WorkerMessage is sent from a worker process to the gateway.
type WorkerMessage struct {
	RegisterAgentType   *RegisterAgentTypeRequest
	UnregisterAgentType *UnregisterAgentTypeRequest
	AddSubscription     *AddSubscriptionRequest
	RemoveSubscription  *RemoveSubscriptionRequest
	Event               *Event
	Request             *RpcRequest
	Response            *RpcResponse
	GetState            *GetStateRequest
	SaveState           *SaveStateRequest
	ListAgentTypes      *ListAgentTypesRequest
}

// GatewayMessage is sent from the gateway to a worker process.
type GatewayMessage struct {
	Welcome                   *Welcome
	RegisterAgentTypeResponse *RegisterAgentTypeResponse
	SubscriptionResponse      *SubscriptionResponse
	Event                     *Event
	Request                   *RpcRequest
	Response                  *RpcResponse
	GetStateResponse          *GetStateResponse
	SaveStateResponse         *SaveStateResponse
	ListAgentTypesResponse    *ListAgentTypesResponse
}

// RequestID returns the correlation id of whichever response is set, or "" for
// messages that are not responses.
func (x *GatewayMessage) RequestID() string {
	switch {
	case x == nil:
		return ""
	case x.RegisterAgentTypeResponse != nil:
		return x.RegisterAgentTypeResponse.RequestId
	case x.SubscriptionResponse != nil:
		return x.SubscriptionResponse.RequestId
	case x.Response != nil:
		return x.Response.RequestId
	case x.GetStateResponse != nil:
		return x.GetStateResponse.RequestId
	case x.SaveStateResponse != nil:
		return x.SaveStateResponse.RequestId
	case x.ListAgentTypesResponse != nil:
		return x.ListAgentTypesResponse.RequestId
	}
	return ""
}

// ResponseError returns the error attached to whichever response is set.
func (x *GatewayMessage) ResponseError() *Error {
	switch {
	case x == nil:
		return nil
	case x.RegisterAgentTypeResponse != nil:
		return x.RegisterAgentTypeResponse.Error
	case x.SubscriptionResponse != nil:
		return x.SubscriptionResponse.Error
	case x.Response != nil:
		return x.Response.Error
	case x.GetStateResponse != nil:
		return x.GetStateResponse.Error
	case x.SaveStateResponse != nil:
		return x.SaveStateResponse.Error
	case x.ListAgentTypesResponse != nil:
		return x.ListAgentTypesResponse.Error
	}
	return nil
}
