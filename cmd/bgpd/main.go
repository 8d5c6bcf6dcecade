// Command bgpd runs the BGP speaker daemon: the session supervisor plus the
// control-plane socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cosiner/flag"
	"github.com/juju/loggo"

	"github.com/stiltzkin10/bgp-ai-agent/internal/config"
	"github.com/stiltzkin10/bgp-ai-agent/internal/mgmt"
	"github.com/stiltzkin10/bgp-ai-agent/internal/speaker"
)

const shutdownGrace = 5 * time.Second

type arguments struct {
	Config string `names:"-c, --config" usage:"path to the YAML configuration file" default:"config.yaml"`
}

func main() {
	var args arguments
	if err := flag.NewFlagSet(flag.Flag{}).ParseStruct(&args, os.Args...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := loggo.GetLogger("")

	config.SetConfigFile(args.Config)
	if err := config.ReadInConfig(); err != nil {
		logger.Criticalf("fail to load configuration: %s", err)
		os.Exit(1)
	}
	config.SetLogLevelImmutable()

	spk, err := speaker.New()
	if err != nil {
		logger.Criticalf("fail to build speaker: %s", err)
		os.Exit(1)
	}
	ctl, err := mgmt.NewServer(config.GetLocal().SocketPath, spk)
	if err != nil {
		logger.Criticalf("fail to build control plane: %s", err)
		os.Exit(1)
	}

	if err := spk.Start(); err != nil {
		logger.Criticalf("fail to start speaker: %s", err)
		os.Exit(1)
	}
	if err := ctl.Start(); err != nil {
		logger.Criticalf("fail to start control plane: %s", err)
		spk.Shutdown(shutdownGrace, shutdownGrace)
		os.Exit(1)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("received signal <%s>, shutting down", sig)
	case err := <-spk.Done():
		if err != nil {
			logger.Criticalf("speaker stopped: %s", err)
		} else {
			logger.Infof("speaker stopped")
		}
	case err := <-ctl.Done():
		if err != nil {
			logger.Criticalf("control plane stopped: %s", err)
		} else {
			logger.Infof("control plane stopped")
		}
	}

	if err := ctl.Shutdown(shutdownGrace, shutdownGrace); err != nil {
		logger.Warningf("fail to shutdown control plane: %s", err)
	}
	if err := spk.Shutdown(shutdownGrace, shutdownGrace); err != nil {
		logger.Warningf("fail to shutdown speaker: %s", err)
	}
}
