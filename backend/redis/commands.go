package redis

import (
	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/pkg/errors"
)

var (
	cmdSet    = []byte("SET")
	cmdGet    = []byte("GET")
	cmdDel    = []byte("DEL")
	cmdExists = []byte("EXISTS")

	// readOnlyCmd lets a cluster replica serve reads on its connection.
	readOnlyCmd = resp.Args("READONLY")
)

func encodeCommand(req *backend.Request) ([][]byte, error) {
	switch req.Opcode {
	case backend.OpPut:
		return [][]byte{cmdSet, req.Key, req.Value}, nil
	case backend.OpGet:
		return [][]byte{cmdGet, req.Key}, nil
	case backend.OpRemove:
		return [][]byte{cmdDel, req.Key}, nil
	case backend.OpExists:
		return [][]byte{cmdExists, req.Key}, nil
	}
	return nil, errors.Wrapf(backend.ErrUnsupportedOp, "no command for %s", req.Opcode)
}
