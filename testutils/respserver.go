package testutils

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/stretchr/testify/require"
)

type CommandHandler func(args [][]byte) resp.Value

// StartRESPServer serves handler on a loopback port until the test ends and
// returns the listening host:port.
func StartRESPServer(t *testing.T, handler CommandHandler) string {
	lsnr, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var connsLock sync.Mutex
	var conns []net.Conn

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := lsnr.Accept()
			if err != nil {
				return
			}

			connsLock.Lock()
			conns = append(conns, conn)
			connsLock.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				serveRESPConn(conn, handler)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = lsnr.Close()
		connsLock.Lock()
		for _, conn := range conns {
			_ = conn.Close()
		}
		connsLock.Unlock()
		wg.Wait()
	})

	return lsnr.Addr().String()
}

func serveRESPConn(conn net.Conn, handler CommandHandler) {
	defer conn.Close()

	rd := resp.NewReader(bufio.NewReader(conn))
	var out []byte
	for {
		cmd, err := rd.ReadValue()
		if err != nil {
			return
		}

		var reply resp.Value
		if cmd.Kind != resp.KindArray {
			reply = resp.ErrorValue("ERR protocol error: expected array")
		} else {
			args := make([][]byte, 0, cmd.Len())
			for _, e := range cmd.Elems {
				args = append(args, e.Str)
			}
			reply = handler(args)
		}

		out = resp.AppendValue(out[:0], reply)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}
