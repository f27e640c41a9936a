package server

import (
	"sync"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
)

// connSet holds the controllers of live connections by connection id
type connSet struct {
	connsM sync.RWMutex
	conns  map[string]*mux.Controller
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]*mux.Controller)}
}

func (s *connSet) add(id string, c *mux.Controller) {
	s.connsM.Lock()
	s.conns[id] = c
	s.connsM.Unlock()
}

func (s *connSet) remove(id string) {
	s.connsM.Lock()
	delete(s.conns, id)
	s.connsM.Unlock()
}

func (s *connSet) len() int {
	s.connsM.RLock()
	defer s.connsM.RUnlock()
	return len(s.conns)
}

// closeAll closes every connection and waits for their services to be released
func (s *connSet) closeAll() {
	s.connsM.RLock()
	var controllers []*mux.Controller
	for _, c := range s.conns {
		controllers = append(controllers, c)
	}
	s.connsM.RUnlock()
	for _, c := range controllers {
		_ = c.Close()
	}
	for _, c := range controllers {
		<-c.Done()
	}
}
