package resp

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindUnspecified Kind = iota
	KindInteger
	KindString
	KindStatus
	KindError
	KindArray
	KindNil
)

func (k Kind) String() string {
	switch k {
	case KindUnspecified:
		return "unspecified"
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindArray:
		return "array"
	case KindNil:
		return "nil"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a decoded reply. Only the field matching Kind is meaningful:
// Int for integers, Str for strings, statuses and errors, Elems for arrays.
type Value struct {
	Kind  Kind
	Int   int64
	Str   []byte
	Elems []Value
}

func IntValue(n int64) Value {
	return Value{Kind: KindInteger, Int: n}
}

func BulkValue(s string) Value {
	return Value{Kind: KindString, Str: []byte(s)}
}

func BulkBytesValue(b []byte) Value {
	return Value{Kind: KindString, Str: b}
}

func StatusValue(s string) Value {
	return Value{Kind: KindStatus, Str: []byte(s)}
}

func ErrorValue(s string) Value {
	return Value{Kind: KindError, Str: []byte(s)}
}

func ArrayValue(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Kind: KindArray, Elems: elems}
}

func NilValue() Value {
	return Value{Kind: KindNil}
}

// Len returns the element count of an array, or -1 for any other kind.
func (v Value) Len() int {
	if v.Kind != KindArray {
		return -1
	}
	return len(v.Elems)
}

// Index returns the i-th element of an array. Anything that is not a valid
// position yields an unspecified value, so callers can chain lookups and
// check the kind once.
func (v Value) Index(i int) Value {
	if v.Kind != KindArray || i < 0 || i >= len(v.Elems) {
		return Value{}
	}
	return v.Elems[i]
}

func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindInteger {
		return 0, false
	}
	return v.Int, true
}

// AsString only accepts bulk strings.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return string(v.Str), true
}

func (v Value) IsError() bool {
	return v.Kind == KindError
}

func (v Value) IsNil() bool {
	return v.Kind == KindNil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindString:
		return strconv.Quote(string(v.Str))
	case KindStatus:
		return "+" + string(v.Str)
	case KindError:
		return "-" + string(v.Str)
	case KindNil:
		return "(nil)"
	case KindArray:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("<%s>", v.Kind)
}
