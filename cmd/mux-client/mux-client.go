package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbeuw/chanmux/internal/client"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	// The ip of the mux server
	var remoteHost string
	// The port the mux server listens on
	var remotePort string
	var transport string
	var config string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&remoteHost, "s", "", "remoteHost: IP of the mux server")
	flag.StringVar(&remotePort, "p", "7000", "remotePort: port of the mux server")
	flag.StringVar(&transport, "t", "", "transport: direct or websocket")
	flag.StringVar(&config, "c", "muxclient.json", "config: path to the configuration file or options separated with semicolons")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	// commandline arguments overrides json
	flag.Parse()

	if *askVersion {
		fmt.Printf("mux-client %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig, err := client.ParseConfig(config)
	if err != nil {
		log.Fatal(err)
	}

	// commandline argument takes precedence over json
	// if commandline argument is set, use commandline
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s":
			rawConfig.RemoteHost = remoteHost
		case "p":
			rawConfig.RemotePort = remotePort
		case "t":
			rawConfig.Transport = transport
		}
	})
	// ones with default values
	if rawConfig.RemotePort == "" {
		rawConfig.RemotePort = remotePort
	}

	remoteConfig, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := &net.Dialer{}
	log.Infof("Connecting to %v with %v channels", remoteConfig.RemoteAddr, len(remoteConfig.Channels))
	err = client.Run(ctx, d, remoteConfig)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
