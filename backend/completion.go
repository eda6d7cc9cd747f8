package backend

// Status is the terminal state of a request.
type Status int

const (
	StatusOK Status = iota
	// StatusNotFound means the key, or the cancel target, does not exist.
	StatusNotFound
	StatusCanceled
	// StatusFailed is reported when routing gave up, for example after a
	// second redirection.
	StatusFailed
	// StatusError carries an error reply from the store or a transport
	// failure in Err.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Completion is the result of a finished request. Ownership passes to the
// caller when it is returned by Test or TestAny.
type Completion struct {
	Handle Handle
	Opcode Opcode
	Status Status
	// Rc is the number of bytes placed for reads and the integer result
	// for remove and exists.
	Rc    int64
	Value []byte
	Err   error
	User  any
}
