package clusterinfo

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrMalformedReply  = errors.New("malformed topology reply")
)
