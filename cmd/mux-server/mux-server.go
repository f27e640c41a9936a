package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/cbeuw/chanmux/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("mux-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	sta, err := server.InitState(common.RealWorldState)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}
	err = sta.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	// in case the user hasn't specified any local address to bind to, we listen on 7000
	if len(sta.BindAddr) == 0 {
		defaultAddr, _ := net.ResolveTCPAddr("tcp", ":7000")
		sta.BindAddr = []net.Addr{defaultAddr}
	}

	stopCommitting := make(chan struct{})
	committed := make(chan struct{})
	go func() {
		sta.Tracker.Run(sta.UsageCommitInterval, stopCommitting)
		close(committed)
	}()

	if sta.AdminAddr != "" {
		go func() {
			log.Infof("Admin API and metrics listening on %v", sta.AdminAddr)
			log.Error(http.ListenAndServe(sta.AdminAddr, sta.AdminHandler()))
		}()
	}

	var listeners []net.Listener
	for _, addr := range sta.BindAddr {
		listener, err := net.Listen("tcp", addr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Listening on %v for %v channels over %v", addr, len(sta.ChannelIDs), sta.Transport)
		listeners = append(listeners, listener)
		go server.Serve(listener, sta)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received %v, shutting down", sig)
	for _, l := range listeners {
		l.Close()
	}
	close(stopCommitting)
	<-committed
	sta.Shutdown()
}
