package backend

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Request describes one operation. The caller owns it until Post succeeds;
// afterwards the backend holds it until the request reaches a terminal state.
type Request struct {
	Opcode Opcode
	Key    []byte
	Value  []byte
	// Dest receives the value of a read, filled in order.
	Dest [][]byte
	// User is returned untouched on the completion.
	User any
}

// Handle identifies a posted request.
type Handle struct {
	id uuid.UUID
}

// NilHandle is never assigned to a posted request.
var NilHandle = Handle{}

func NewHandle() Handle {
	return Handle{id: uuid.New()}
}

func ParseHandle(s string) (Handle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilHandle, errors.Wrapf(ErrInvalidArgument, "bad request handle %q", s)
	}
	return Handle{id: id}, nil
}

func (h Handle) IsNil() bool {
	return h == NilHandle
}

func (h Handle) String() string {
	return h.id.String()
}

// NewCancelRequest builds the request that cancels target.
func NewCancelRequest(target Handle) *Request {
	return &Request{
		Opcode: OpCancel,
		Key:    []byte(target.String()),
	}
}

// Scatter copies value across dest in order and returns the number of bytes
// placed. Bytes that do not fit are dropped.
func Scatter(dest [][]byte, value []byte) int64 {
	var placed int64
	for _, d := range dest {
		if len(value) == 0 {
			break
		}
		n := copy(d, value)
		value = value[n:]
		placed += int64(n)
	}
	return placed
}
