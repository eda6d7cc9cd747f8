package resp

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

var ErrProtocol = errors.New("resp protocol error")

const (
	maxBulkLength  = 512 * 1024 * 1024
	maxArrayLength = 1024 * 1024
	maxNesting     = 32
)

// Reader decodes RESP2 values from a byte stream. It is not safe for
// concurrent use.
type Reader struct {
	rd *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{rd: br}
	}
	return &Reader{rd: bufio.NewReader(r)}
}

// ReadValue blocks until one complete value has been decoded. Network
// errors are returned as-is, framing problems wrap ErrProtocol.
func (r *Reader) ReadValue() (Value, error) {
	return r.readValue(0)
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.rd.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return nil, errors.Wrapf(ErrProtocol, "bad line terminator in %q", line)
	}
	return line[:len(line)-2], nil
}

func (r *Reader) readValue(depth int) (Value, error) {
	if depth > maxNesting {
		return Value{}, errors.Wrap(ErrProtocol, "arrays nested too deeply")
	}

	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	body := line[1:]
	switch line[0] {
	case '+':
		return Value{Kind: KindStatus, Str: bytes.Clone(body)}, nil
	case '-':
		return Value{Kind: KindError, Str: bytes.Clone(body)}, nil
	case ':':
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(ErrProtocol, "illegal integer %q", body)
		}
		return IntValue(n), nil
	case '$':
		return r.readBulk(body)
	case '*':
		return r.readArray(body, depth)
	}

	return Value{}, errors.Wrapf(ErrProtocol, "unknown type marker %q", line[0])
}

func (r *Reader) readBulk(header []byte) (Value, error) {
	n, err := strconv.ParseInt(string(header), 10, 64)
	if err != nil || n < -1 || n > maxBulkLength {
		return Value{}, errors.Wrapf(ErrProtocol, "illegal bulk length %q", header)
	}
	if n == -1 {
		return NilValue(), nil
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r.rd, buf); err != nil {
		return Value{}, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return Value{}, errors.Wrap(ErrProtocol, "bulk string not terminated by CRLF")
	}
	return Value{Kind: KindString, Str: buf[:n]}, nil
}

func (r *Reader) readArray(header []byte, depth int) (Value, error) {
	n, err := strconv.ParseInt(string(header), 10, 64)
	if err != nil || n < -1 || n > maxArrayLength {
		return Value{}, errors.Wrapf(ErrProtocol, "illegal array length %q", header)
	}
	if n == -1 {
		return NilValue(), nil
	}

	elems := make([]Value, 0, n)
	for i := int64(0); i < n; i++ {
		elem, err := r.readValue(depth + 1)
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, elem)
	}
	return Value{Kind: KindArray, Elems: elems}, nil
}

// Parse decodes exactly one value from data.
func Parse(data []byte) (Value, error) {
	r := NewReader(bytes.NewReader(data))
	v, err := r.ReadValue()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Value{}, errors.Wrap(ErrProtocol, "truncated value")
		}
		return Value{}, err
	}
	return v, nil
}
