// Command vpnserver runs the TLS-terminating remote-access VPN
// server: it loads configuration from the environment, opens the
// Postgres-backed store, brings up the TUN interface, and serves
// client connections until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/afoc/tls-vpn-server/internal/auth"
	"github.com/afoc/tls-vpn-server/internal/config"
	"github.com/afoc/tls-vpn-server/internal/ippool"
	"github.com/afoc/tls-vpn-server/internal/logging"
	"github.com/afoc/tls-vpn-server/internal/registry"
	"github.com/afoc/tls-vpn-server/internal/router"
	"github.com/afoc/tls-vpn-server/internal/server"
	"github.com/afoc/tls-vpn-server/internal/session"
	"github.com/afoc/tls-vpn-server/internal/store"
	"github.com/afoc/tls-vpn-server/internal/tun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(os.Getenv("ENV") != "production")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	repo, err := store.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	pool, err := ippool.New(cfg.VPNSubnet)
	if err != nil {
		return fmt.Errorf("build ip pool: %w", err)
	}

	iface := tun.NewKernelInterface("tun0", cfg.VPNMTU, cfg.VPNSubnet, log)
	if err := iface.Create(); err != nil {
		return fmt.Errorf("create tun device: %w", err)
	}
	if err := iface.AssignIP(pool.Gateway(), pool.SubnetMask()); err != nil {
		return fmt.Errorf("configure tun device: %w", err)
	}
	defer func() {
		if err := iface.Destroy(); err != nil {
			log.Warnw("tun teardown failed", "error", err)
		}
	}()

	authSvc := auth.New(repo, cfg.JWTSecret, log)
	reg := registry.New()
	rt := router.New(iface, reg, true, log)
	go rt.Run()
	defer rt.Stop()

	srvCfg := server.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		TLS:        tlsConfig,
		SessionConfig: session.Config{
			MaxFramePayload:   cfg.MaxFramePayload,
			MTU:               cfg.VPNMTU,
			DNS:               cfg.VPNDNS,
			Gateway:           pool.Gateway(),
			SubnetMask:        pool.SubnetMask(),
			KeepaliveEvery:    cfg.KeepaliveInterval,
			KeepaliveProbeAt:  cfg.KeepaliveProbeAfter,
			IdleTimeout:       cfg.IdleTimeout,
			OutboundQueueSize: 256,
		},
		StaleSessionEvery:   cfg.StaleSessionEvery,
		StaleSessionMaxIdle: cfg.StaleSessionMaxIdle,
		ShutdownGrace:       cfg.ShutdownGrace,
	}
	srv := server.New(srvCfg, authSvc, pool, reg, rt, log)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	log.Infow("starting vpn server", "addr", srvCfg.ListenAddr, "subnet", cfg.VPNSubnet)
	return srv.ListenAndServe(ctx)
}

// buildTLSConfig loads the server certificate. Client authentication
// is in-band via AUTH_REQUEST, not the TLS handshake, so the server
// never requests a client certificate.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: preferredAEADSuites(),
	}, nil
}

// preferredAEADSuites restricts TLS 1.2 negotiation to AEAD ciphers;
// TLS 1.3 suites are fixed by the runtime and already AEAD-only.
func preferredAEADSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}
