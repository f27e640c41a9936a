package client

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/services"
	log "github.com/sirupsen/logrus"
)

// RawConfig represents the fields in the config json file
// nullable means if it's empty, a default value will be chosen in ProcessRawConfig
// jsonOptional means if the json's empty, its value will be set from commandline args
// but it mustn't be empty when ProcessRawConfig is called
type RawConfig struct {
	RemoteHost string // jsonOptional
	RemotePort string // jsonOptional
	// channel id -> service name. "probe" sends Payloads and checks they come back.
	Channels map[string]string

	// defaults set in ProcessRawConfig
	Transport     string // nullable
	KeepAlive     int    // nullable
	Payloads      []int  // nullable
	Reconnect     bool   // nullable
	RxRate        int64  // nullable
	TxRate        int64  // nullable
	MaxPacketSize int    // nullable
}

const probeService = "probe"

var defaultPayloads = []int{1, 1000, 3 * mux.MaxFrameSize}

type RemoteConnConfig struct {
	RemoteAddr     string
	TransportMaker func() Transport
	Reconnect      bool

	Channels      []uint32
	Registrar     mux.Registrar
	KeepAlive     time.Duration
	RxRate        int64
	TxRate        int64
	MaxPacketSize int
}

// semi-colon separated value
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	unquoted := []string{"KeepAlive", "Reconnect", "RxRate", "TxRate", "MaxPacketSize", "Payloads", "Channels"}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		// JSON doesn't like quotation marks around int, bool, arrays and objects
		if elem(key, unquoted) {
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		} else {
			ret = append(ret, []byte(`"`+key+`":"`+value+`",`)...)
		}
	}
	ret = ret[:len(ret)-1] // remove the last comma
	ret = append(ret, '}')
	return ret
}

func ParseConfig(conf string) (raw *RawConfig, err error) {
	var content []byte
	// Checking if it's a path to json or a ssv string
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		content = ssvToJson(conf)
	} else {
		content, err = ioutil.ReadFile(conf)
		if err != nil {
			return
		}
	}

	raw = new(RawConfig)
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return
	}
	return
}

func (raw *RawConfig) ProcessRawConfig() (remote RemoteConnConfig, err error) {
	nullErr := func(field string) (remote RemoteConnConfig, err error) {
		err = fmt.Errorf("%v cannot be empty", field)
		return
	}

	if raw.RemoteHost == "" {
		return nullErr("RemoteHost")
	}
	if raw.RemotePort == "" {
		return nullErr("RemotePort")
	}
	remote.RemoteAddr = net.JoinHostPort(raw.RemoteHost, raw.RemotePort)

	switch strings.ToLower(raw.Transport) {
	case "websocket", "ws":
		remote.TransportMaker = func() Transport {
			return NewWSTransport(remote.RemoteAddr)
		}
	case "direct", "":
		remote.TransportMaker = func() Transport {
			return DirectTransport{}
		}
	default:
		err = fmt.Errorf("unknown transport %v", raw.Transport)
		return
	}

	if len(raw.Channels) == 0 {
		return nullErr("Channels")
	}
	payloads := raw.Payloads
	if len(payloads) == 0 {
		payloads = defaultPayloads
	}
	for _, size := range payloads {
		if size <= 0 {
			err = fmt.Errorf("payload sizes must be positive, got %v", size)
			return
		}
	}
	registrar := mux.NewServiceRegistrar()
	for idStr, name := range raw.Channels {
		var id uint64
		id, err = strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			err = fmt.Errorf("invalid channel id %q: %v", idStr, err)
			return
		}
		var creator mux.ServiceCreator
		var deleter mux.ServiceDeleter
		if strings.ToLower(name) == probeService {
			creator = probeCreator(payloads)
			deleter = stopProbe
		} else {
			var f services.Factory
			f, err = services.Lookup(name)
			if err != nil {
				return
			}
			creator = func(channelID uint32, _ interface{}) mux.Service { return f(channelID) }
		}
		registrar.Register(uint32(id), creator, deleter)
		remote.Channels = append(remote.Channels, uint32(id))
	}
	sort.Slice(remote.Channels, func(i, j int) bool { return remote.Channels[i] < remote.Channels[j] })
	remote.Registrar = registrar

	if raw.KeepAlive <= 0 {
		remote.KeepAlive = -1
	} else {
		remote.KeepAlive = time.Duration(raw.KeepAlive) * time.Second
	}
	remote.Reconnect = raw.Reconnect
	remote.RxRate = raw.RxRate
	remote.TxRate = raw.TxRate
	remote.MaxPacketSize = raw.MaxPacketSize
	return
}

// probeCreator makes a new Probe for every connection and logs how it went
func probeCreator(payloads []int) mux.ServiceCreator {
	return func(channelID uint32, context interface{}) mux.Service {
		probe := services.NewProbe(payloads)
		go func() {
			<-probe.Done()
			fields := log.Fields{"conn": context, "channel": channelID}
			if err := probe.Err(); err != nil {
				log.WithFields(fields).Errorf("probe failed: %v", err)
				return
			}
			log.WithFields(fields).Infof("probe passed with %v packets", len(payloads))
		}()
		return probe
	}
}

func stopProbe(svc mux.Service, _ interface{}) {
	if probe, ok := svc.(*services.Probe); ok {
		probe.Stop()
	}
}
