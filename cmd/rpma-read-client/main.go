package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"

	rpma "github.com/yuuki/rpma-go"
	"github.com/yuuki/rpma-go/internal/config"
)

func main() {
	flagSet := pflag.NewFlagSet("rpma-read-client", pflag.ExitOnError)
	config.SetupClientFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rpma-read-client v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.LoadClientConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if cfg.LocalAddr == "" || cfg.RemoteAddr == "" {
		log.Fatal().Msg("--local-addr and --remote-addr are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Client failed")
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	devCtx, err := rpma.GetDeviceContext(cfg.LocalAddr)
	if err != nil {
		return err
	}
	peer, err := rpma.NewPeer(devCtx)
	if err != nil {
		return err
	}
	defer peer.Delete()

	dstBuf := make([]byte, cfg.ReadLength)
	dst, err := peer.RegisterMemory(dstBuf, rpma.UsageReadDst, rpma.PlacementVolatile)
	if err != nil {
		return err
	}
	defer dst.Deregister()

	req, err := peer.NewConnReq(ctx, cfg.RemoteAddr, cfg.Service)
	if err != nil {
		return err
	}
	conn, err := req.Connect(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Delete()

	// The server hands its region descriptor over as private data.
	src, err := rpma.DecodeDescriptor(conn.PrivateData())
	if err != nil {
		return err
	}
	log.Info().
		Int("remote_length", src.Length()).
		Uint32("rkey", src.RKey()).
		Msg("Connected; decoded remote region descriptor")

	rate := cfg.RatePerSec
	if rate < 1 {
		rate = 1
	}
	rl := ratelimit.New(rate)
	for i := 0; i < cfg.Repeat; i++ {
		if ctx.Err() != nil {
			break
		}
		rl.Take()

		err := conn.PostRead(uint64(i), dst, 0, src, cfg.ReadOffset, cfg.ReadLength, rpma.WaitForCompletion)
		if err != nil {
			return err
		}
		cmpl, err := conn.NextCompletion(ctx)
		if err != nil {
			return err
		}
		if cmpl.Status != rpma.StatusSuccess {
			return fmt.Errorf("read %d completed with status %d", cmpl.OpContext, cmpl.Status)
		}
		log.Debug().Uint64("op", cmpl.OpContext).Msg("Read completed")
	}

	log.Info().Int("reads", cfg.Repeat).Msg("Done; disconnecting")
	if err := conn.Disconnect(); err != nil {
		return err
	}
	if _, err := conn.NextEvent(ctx); err != nil {
		return err
	}
	return nil
}
