// Command broker runs the reverse SOCKS5 broker: it accepts slave agents
// on the transfer port, vets them, and exposes a local SOCKS5 server that
// multiplexes client traffic over whichever slave the selection policy
// picks.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/bufpool"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/config"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/logging"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/manager"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/metrics"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/sockopt"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/socks5"
)

const supervisorTick = 5 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
	mainLog := logging.Component(log, "main")
	mainLog.WithField("gomaxprocs", runtime.GOMAXPROCS(0)).Info("starting reverse socks5 broker")

	met := metrics.New()
	pool := bufpool.New(runtime.GOMAXPROCS(0))
	mgr := manager.New(cfg, pool, met, logging.Component(log, "manager"))

	lc := net.ListenConfig{Control: sockopt.Control}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transferLn, err := lc.Listen(ctx, "tcp", cfg.TransferAddr)
	if err != nil {
		mainLog.WithError(err).Fatal("failed to bind slave transfer listener")
	}
	defer transferLn.Close()

	socksLn, err := lc.Listen(ctx, "tcp", cfg.SocksAddr)
	if err != nil {
		mainLog.WithError(err).Fatal("failed to bind socks5 listener")
	}
	defer socksLn.Close()

	mainLog.WithField("transfer_addr", cfg.TransferAddr).
		WithField("socks_addr", cfg.SocksAddr).
		WithField("metrics_addr", cfg.MetricsAddr).
		WithField("proxy_mode", cfg.ProxyMode).
		Info("listeners bound")

	errCh := make(chan error, 3)

	go func() {
		for {
			conn, err := transferLn.Accept()
			if err != nil {
				errCh <- fmt.Errorf("slave accept: %w", err)
				return
			}
			go mgr.AdmitSlave(conn)
		}
	}()

	front := socks5.New(mgr, logging.Component(log, "socks5"))
	go func() {
		if err := front.Serve(socksLn); err != nil {
			errCh <- fmt.Errorf("socks5 accept: %w", err)
		}
	}()

	go mgr.Supervise(ctx, supervisorTick)

	go func() {
		if err := met.Serve(ctx, cfg.MetricsAddr); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		mainLog.WithField("signal", sig.String()).Info("received shutdown signal")
	case err := <-errCh:
		mainLog.WithError(err).Fatal("fatal broker error")
	}

	cancel()
}
