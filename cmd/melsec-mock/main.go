// Command melsec-mock starts a standalone mock MELSEC MC-protocol
// server listening on the given bind addresses.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/tyaro/melsec-mock/mcp"
)

func main() {
	listen := pflag.String("listen", "127.0.0.1:5000", "TCP bind address")
	udp := pflag.String("udp", "", "UDP bind address (disabled if empty)")
	timAwaitMS := pflag.String("tim-await-ms", "", "per-connection idle timeout override in ms (overrides MELSEC_MOCK_TIM_AWAIT_MS)")
	deviceAssignment := pflag.String("device-assignment", "", "TOML device-assignment file to pre-seed the store with")
	pflag.Parse()

	if *timAwaitMS != "" {
		if _, err := strconv.ParseUint(*timAwaitMS, 10, 64); err != nil {
			log.Fatal("invalid --tim-await-ms", "value", *timAwaitMS, "err", err)
		}
		os.Setenv("MELSEC_MOCK_TIM_AWAIT_MS", *timAwaitMS)
	}

	server, err := mcp.NewWithAssignment(*deviceAssignment)
	if err != nil {
		log.Fatal("failed to start server", "err", err)
	}
	server.StatusFunc = func(status string) {
		log.Info("server status", "status", status)
	}

	server.Start(*listen, *udp)
	log.Info("listening", "tcp", *listen, "udp", *udp)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := server.Stop(); err != nil {
		log.Error("error during shutdown", "err", err)
	}
}
