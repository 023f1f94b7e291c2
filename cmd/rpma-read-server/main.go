package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	rpma "github.com/yuuki/rpma-go"
	"github.com/yuuki/rpma-go/internal/config"
	"github.com/yuuki/rpma-go/internal/telemetry"
)

func main() {
	flagSet := pflag.NewFlagSet("rpma-read-server", pflag.ExitOnError)
	config.SetupServerFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rpma-read-server v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.LoadServerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if cfg.ListenAddr == "" {
		log.Fatal().Msg("--listen-addr is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		provider, err := telemetry.NewMeterProvider(ctx, "rpma-read-server", cfg.InstanceID, cfg.OTelEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up metrics")
		}
		defer provider.Shutdown(context.Background())
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	devCtx, err := rpma.GetDeviceContext(cfg.ListenAddr)
	if err != nil {
		return err
	}
	peer, err := rpma.NewPeer(devCtx)
	if err != nil {
		return err
	}
	defer peer.Delete()

	buf := make([]byte, cfg.BufferSize)
	for i := range buf {
		buf[i] = cfg.Pattern
	}
	mr, err := peer.RegisterMemory(buf, rpma.UsageReadSrc, rpma.PlacementVolatile)
	if err != nil {
		return err
	}
	defer mr.Deregister()

	desc, err := mr.Descriptor()
	if err != nil {
		return err
	}

	ep, err := peer.Listen(cfg.ListenAddr, cfg.ListenService)
	if err != nil {
		return err
	}
	defer ep.Shutdown()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("service", cfg.ListenService).
		Int("buffer_size", cfg.BufferSize).
		Msg("Serving remote reads")

	for {
		req, err := ep.NextConnReq(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// The region descriptor travels to the client as accept
		// private data.
		conn, err := req.Connect(ctx, nil, desc)
		if err != nil {
			log.Warn().Err(err).Msg("Accepting connection failed")
			continue
		}
		go serve(ctx, conn)
	}
}

// serve watches one connection until the client disconnects.
func serve(ctx context.Context, conn *rpma.Conn) {
	defer conn.Delete()

	for {
		ev, err := conn.NextEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Connection lost")
			}
			return
		}
		if ev == rpma.ConnClosed {
			log.Info().Msg("Client disconnected")
			conn.Disconnect()
			return
		}
	}
}
