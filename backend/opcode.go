package backend

import "strings"

// Opcode is the closed set of operations a backend accepts.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpPut
	OpGet
	OpRemove
	OpExists
	// OpCancel is the in-band cancellation request. Its key carries the
	// serialized handle of the request being canceled.
	OpCancel
)

func (o Opcode) Valid() bool {
	return o > OpInvalid && o <= OpCancel
}

// IsWrite reports whether the operation must be served by a master.
func (o Opcode) IsWrite() bool {
	return o == OpPut || o == OpRemove
}

func (o Opcode) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpRemove:
		return "remove"
	case OpExists:
		return "exists"
	case OpCancel:
		return "cancel"
	}
	return "invalid"
}

func ParseOpcode(s string) Opcode {
	switch strings.ToLower(s) {
	case "put", "set":
		return OpPut
	case "get":
		return OpGet
	case "remove", "del":
		return OpRemove
	case "exists":
		return OpExists
	case "cancel":
		return OpCancel
	}
	return OpInvalid
}
