package testutils

import (
	"strings"
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
)

// FakeStore is an in-memory key-value store answering the handful of
// commands the backends issue. It is shared by transport and runtime tests.
type FakeStore struct {
	lock  sync.Mutex
	data  map[string][]byte
	slots resp.Value
	// readOnly counts READONLY commands received.
	readOnly int
	redirect func(cmd string, key string) string
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		data: make(map[string][]byte),
	}
}

// SetSlots sets the reply to CLUSTER SLOTS. Until called, the store behaves
// like a standalone server that has cluster support disabled.
func (s *FakeStore) SetSlots(v resp.Value) {
	s.lock.Lock()
	s.slots = v
	s.lock.Unlock()
}

// SetRedirect installs fn to be consulted before every keyed command. A
// non-empty return is sent back as an error reply instead of executing it.
func (s *FakeStore) SetRedirect(fn func(cmd string, key string) string) {
	s.lock.Lock()
	s.redirect = fn
	s.lock.Unlock()
}

func (s *FakeStore) Get(key string) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *FakeStore) ReadOnlyCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.readOnly
}

func (s *FakeStore) Execute(args [][]byte) resp.Value {
	if len(args) == 0 {
		return resp.ErrorValue("ERR empty command")
	}

	cmd := strings.ToUpper(string(args[0]))
	if cmd == "CLUSTER" {
		if len(args) < 2 || !strings.EqualFold(string(args[1]), "SLOTS") {
			return resp.ErrorValue("ERR unknown subcommand")
		}
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.slots.Kind == resp.KindUnspecified {
			return resp.ErrorValue("ERR This instance has cluster support disabled")
		}
		return s.slots
	}
	if cmd == "PING" {
		return resp.StatusValue("PONG")
	}
	if cmd == "READONLY" {
		s.lock.Lock()
		s.readOnly++
		s.lock.Unlock()
		return resp.StatusValue("OK")
	}

	if len(args) < 2 {
		return resp.ErrorValue("ERR wrong number of arguments for '" + strings.ToLower(cmd) + "' command")
	}
	key := string(args[1])
	s.lock.Lock()
	redirectFn := s.redirect
	s.lock.Unlock()
	if redirectFn != nil {
		if redirect := redirectFn(cmd, key); redirect != "" {
			return resp.ErrorValue(redirect)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	switch cmd {
	case "SET":
		if len(args) != 3 {
			return resp.ErrorValue("ERR wrong number of arguments for 'set' command")
		}
		s.data[key] = append([]byte(nil), args[2]...)
		return resp.StatusValue("OK")
	case "GET":
		v, ok := s.data[key]
		if !ok {
			return resp.NilValue()
		}
		return resp.BulkBytesValue(v)
	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.data[string(k)]; ok {
				delete(s.data, string(k))
				n++
			}
		}
		return resp.IntValue(int64(n))
	case "EXISTS":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.data[string(k)]; ok {
				n++
			}
		}
		return resp.IntValue(int64(n))
	}

	return resp.ErrorValue("ERR unknown command '" + cmd + "'")
}
