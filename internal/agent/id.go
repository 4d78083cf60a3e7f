// ABOUTME: Agent identity (type, key) with its canonical "type/key" text form.
// ABOUTME: Converts to and from the wire AgentId.

package agent

import (
	"errors"
	"fmt"
	"strings"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

// ErrInvalidID indicates an agent id with an empty or malformed part.
var ErrInvalidID = errors.New("invalid agent id")

// ID addresses one agent instance.
type ID struct {
	Type string
	Key  string
}

func (id ID) String() string {
	return id.Type + "/" + id.Key
}

// Validate reports whether both parts are usable.
func (id ID) Validate() error {
	switch {
	case id.Type == "":
		return fmt.Errorf("%w: empty type", ErrInvalidID)
	case id.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidID)
	case strings.Contains(id.Type, "/"):
		return fmt.Errorf("%w: type %q contains '/'", ErrInvalidID, id.Type)
	}
	return nil
}

// ParseID parses the "type/key" form. The key may itself contain slashes.
func ParseID(s string) (ID, error) {
	typ, key, ok := strings.Cut(s, "/")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q has no '/'", ErrInvalidID, s)
	}
	id := ID{Type: typ, Key: key}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// FromProto converts a wire id. A nil id yields the zero ID, which fails Validate.
func FromProto(p *pb.AgentId) ID {
	return ID{Type: p.GetType(), Key: p.GetKey()}
}

// Proto converts the id to its wire form.
func (id ID) Proto() *pb.AgentId {
	return &pb.AgentId{Type: id.Type, Key: id.Key}
}
