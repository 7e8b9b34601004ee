// Command roomchat runs the RoomChat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/roomchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.roomchat/config.toml", "Path to the TOML config file")
	debug := flag.Bool("debug", false, "Write debug logging to debug.log")
	flag.Parse()

	if err := server.InitLoggers(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	srv, err := server.NewServer(context.Background(), config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("RoomChat server running (tcp %v, ssh %v, http %v)", srv.TCPAddr(), srv.SSHAddr(), srv.HTTPAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
