// ABOUTME: Contract tests for the gRPC service surface to detect breaking API changes.
// ABOUTME: Validates the AgentRuntime descriptor workers depend on still exists.

package contract

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

// expectedStreams defines the streaming contract for each service.
// Removing or renaming one breaks every deployed worker.
var expectedStreams = map[string][]string{
	"coven.runtime.v1.AgentRuntime": {"OpenChannel"},
}

var serviceDescriptors = map[string]grpc.ServiceDesc{
	"coven.runtime.v1.AgentRuntime": pb.ServiceDesc,
}

func TestServiceSurface(t *testing.T) {
	for serviceName, streams := range expectedStreams {
		t.Run(serviceName, func(t *testing.T) {
			desc, exists := serviceDescriptors[serviceName]
			if !assert.True(t, exists, "service %s should be registered", serviceName) {
				return
			}
			assert.Equal(t, serviceName, desc.ServiceName)
			assert.Empty(t, desc.Methods, "workers only use streams")

			actual := make(map[string]grpc.StreamDesc)
			for _, s := range desc.Streams {
				actual[s.StreamName] = s
			}
			for _, stream := range streams {
				s, ok := actual[stream]
				if !assert.True(t, ok, "stream /%s/%s should exist", serviceName, stream) {
					continue
				}
				assert.True(t, s.ClientStreams, "%s must accept a client stream", stream)
				assert.True(t, s.ServerStreams, "%s must return a server stream", stream)
				assert.NotNil(t, s.Handler)
			}
			for name := range actual {
				if !slices.Contains(streams, name) {
					t.Logf("INFO: extra stream %s/%s not in contract (consider adding)", serviceName, name)
				}
			}
		})
	}
}

func TestFullMethodName(t *testing.T) {
	want := fmt.Sprintf("/%s/%s", pb.ServiceName, pb.ServiceDesc.Streams[0].StreamName)
	assert.Equal(t, want, pb.OpenChannelFullMethod)
	assert.Equal(t, "proto/runtime/runtime.proto", pb.ServiceDesc.Metadata)
}
