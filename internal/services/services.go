package services

import (
	"fmt"
	"sort"
	"strings"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
)

// Factory makes a fresh Service for one channel of one connection
type Factory func(channelID uint32) mux.Service

var factories = map[string]Factory{
	"echo":    func(uint32) mux.Service { return NewEcho() },
	"discard": func(uint32) mux.Service { return &Discard{} },
}

// Lookup finds a service by its configuration name, case-insensitively
func Lookup(name string) (Factory, error) {
	f, ok := factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown service %q, available: %v", name, strings.Join(Names(), ", "))
	}
	return f, nil
}

func Names() []string {
	var names []string
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registrar binds each channel to the named service
func Registrar(channels map[uint32]string) (*mux.ServiceRegistrar, error) {
	r := mux.NewServiceRegistrar()
	for id, name := range channels {
		f, err := Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("channel %v: %w", id, err)
		}
		r.Register(id, func(channelID uint32, _ interface{}) mux.Service { return f(channelID) }, nil)
	}
	return r, nil
}
