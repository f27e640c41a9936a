package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	mux "github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/server/usagemanager"
	"github.com/cbeuw/chanmux/internal/services"
)

type rawConfig struct {
	BindAddr  []string
	Transport string
	// channel id -> service name
	Channels     map[string]string
	KeepAlive    int
	RxRate       int64
	TxRate       int64
	DatabasePath string
	AdminAddr    string
	// seconds between usage commits
	UsageCommitInterval int
	MaxPacketSize       int
}

type TransportMode int

const (
	// TransportAuto tells websocket upgrades and bare frames apart by the first bytes the client sends
	TransportAuto TransportMode = iota
	TransportDirect
	TransportWebSocket
)

func (t TransportMode) String() string {
	switch t {
	case TransportDirect:
		return "direct"
	case TransportWebSocket:
		return "websocket"
	default:
		return "auto"
	}
}

// State type stores the global state of the program
type State struct {
	BindAddr  []net.Addr
	Transport TransportMode

	// ChannelIDs is every channel a connection carries, in ascending order
	ChannelIDs []uint32
	Channels   map[uint32]string
	KeepAlive  time.Duration
	RxRate     int64
	TxRate     int64

	MaxPacketSize int

	WorldState common.WorldState

	AdminAddr           string
	UsageCommitInterval time.Duration
	Tracker             *usagemanager.Tracker
	Metrics             *Metrics
	activeConns         *connSet
}

func InitState(worldState common.WorldState) (*State, error) {
	ret := &State{
		WorldState:  worldState,
		Channels:    map[uint32]string{},
		Metrics:     NewMetrics(),
		activeConns: newConnSet(),
	}
	return ret, nil
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func parseTransport(transport string) (TransportMode, error) {
	switch strings.ToLower(transport) {
	case "", "auto":
		return TransportAuto, nil
	case "direct":
		return TransportDirect, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown transport %v", transport)
	}
}

// ParseChannels turns a channel id -> service name table from a config file into one keyed by integer ids
func ParseChannels(entries map[string]string) (map[uint32]string, []uint32, error) {
	channels := map[uint32]string{}
	var ids []uint32
	for idStr, name := range entries {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid channel id %q: %v", idStr, err)
		}
		if _, err := services.Lookup(name); err != nil {
			return nil, nil, err
		}
		channels[uint32(id)] = name
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return channels, ids, nil
}

// ParseConfig parses the config (either a path to json or the json itself as argument) into a State variable
func (sta *State) ParseConfig(conf string) (err error) {
	var content []byte
	var preParse rawConfig

	content, errPath := ioutil.ReadFile(conf)
	if errPath != nil {
		errJson := json.Unmarshal([]byte(conf), &preParse)
		if errJson != nil {
			return errors.New("Failed to read/unmarshal configuration, path is invalid or " + errJson.Error())
		}
	} else {
		errJson := json.Unmarshal(content, &preParse)
		if errJson != nil {
			return errors.New("Failed to read configuration file: " + errJson.Error())
		}
	}

	sta.BindAddr, err = parseBindAddr(preParse.BindAddr)
	if err != nil {
		return fmt.Errorf("unable to parse BindAddr: %v", err)
	}

	sta.Transport, err = parseTransport(preParse.Transport)
	if err != nil {
		return err
	}

	if len(preParse.Channels) == 0 {
		return errors.New("Channels cannot be empty")
	}
	sta.Channels, sta.ChannelIDs, err = ParseChannels(preParse.Channels)
	if err != nil {
		return fmt.Errorf("unable to parse Channels: %v", err)
	}

	if preParse.KeepAlive <= 0 {
		sta.KeepAlive = -1
	} else {
		sta.KeepAlive = time.Duration(preParse.KeepAlive) * time.Second
	}

	sta.RxRate = preParse.RxRate
	sta.TxRate = preParse.TxRate
	sta.MaxPacketSize = preParse.MaxPacketSize
	sta.AdminAddr = preParse.AdminAddr

	if preParse.UsageCommitInterval <= 0 {
		sta.UsageCommitInterval = time.Minute
	} else {
		sta.UsageCommitInterval = time.Duration(preParse.UsageCommitInterval) * time.Second
	}

	var manager usagemanager.UsageManager
	if preParse.DatabasePath == "" {
		manager = &usagemanager.Voidmanager{}
	} else {
		manager, err = usagemanager.MakeLocalManager(preParse.DatabasePath, sta.WorldState)
		if err != nil {
			return fmt.Errorf("unable to open usage database: %v", err)
		}
	}
	registrar, err := services.Registrar(sta.Channels)
	if err != nil {
		return err
	}
	sta.Tracker = usagemanager.MakeTracker(registrar, manager, sta.WorldState, sta.Metrics)
	return nil
}

// Registrar is what server-side multiplexers create their services from
func (sta *State) Registrar() mux.Registrar { return sta.Tracker }
