package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dnstunneld/internal/server"
	"dnstunneld/internal/tun"
)

func main() {
	parentDomain := flag.String("parent-domain", "", "Parent domain tunnel queries arrive under (required)")
	dnsPort := flag.Int("dns-port", 53, "DNS server port")
	netmaskFlag := flag.String("netmask", "10.0.0.0/27", "Tunnel subnet carved into per-user addresses")
	mtu := flag.Int("mtu", 1130, "Tunnel MTU advertised to clients")
	password := flag.String("password", "", "Shared tunnel password (required)")
	advertisedIP := flag.String("ns-ip", "", "IP advertised for ns.<parent-domain> (defaults to query destination)")
	forwardAddr := flag.String("forward-addr", "", "Sibling resolver to relay non-tunnel queries to, host:port")
	checkSourceIP := flag.Bool("check-source-ip", true, "Require queries to arrive from the authenticated source address")
	idleTimeout := flag.Duration("max-idle", 0, "Global idle shutdown bound, 0 disables")
	tunName := flag.String("tun-name", "dnst0", "Virtual interface name")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	applyLogLevel(*logLevel)

	if *parentDomain == "" {
		log.Fatal().Msg("--parent-domain is required")
	}
	if *password == "" {
		log.Fatal().Msg("--password is required")
	}

	parentLabel := dottedSuffix(*parentDomain)

	tunnelIP, netmask, err := net.ParseCIDR(*netmaskFlag)
	if err != nil {
		log.Fatal().Err(err).Str("netmask", *netmaskFlag).Msg("invalid --netmask")
	}

	var advertised net.IP
	if *advertisedIP != "" {
		advertised = net.ParseIP(*advertisedIP)
		if advertised == nil {
			log.Fatal().Str("ns-ip", *advertisedIP).Msg("invalid --ns-ip")
		}
	}

	pw := []byte(*password)
	passwordHash := func(seed uint32) []byte {
		var seedBytes [4]byte
		seedBytes[0] = byte(seed >> 24)
		seedBytes[1] = byte(seed >> 16)
		seedBytes[2] = byte(seed >> 8)
		seedBytes[3] = byte(seed)
		mac := hmac.New(sha1.New, pw)
		mac.Write(seedBytes[:])
		return mac.Sum(nil)[:16]
	}

	conn4, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", *dnsPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen on udp4")
	}
	listeners := []server.Listener{{Conn: conn4, Family: "udp4"}}

	if conn6, err := net.ListenPacket("udp6", fmt.Sprintf(":%d", *dnsPort)); err == nil {
		listeners = append(listeners, server.Listener{Conn: conn6, Family: "udp6"})
	} else {
		log.Warn().Err(err).Msg("udp6 listen failed, continuing with IPv4 only")
	}

	device, err := openTunDevice(*tunName, tunnelIP, netmask.Mask, *mtu)
	if err != nil {
		log.Warn().Err(err).Msg("tun device unavailable, running without a virtual interface")
		device = nil
	}

	cfg := server.Config{
		ParentLabel:   parentLabel,
		CheckSourceIP: *checkSourceIP,
		AdvertisedIP:  advertised,
		Netmask:       netmask,
		TunnelBase:    tunnelIP,
		MTU:           *mtu,
		PasswordHash:  passwordHash,
		ForwardAddr:   *forwardAddr,
		IdleTimeout:   *idleTimeout,
	}

	srv := server.New(cfg, listeners, device, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("parent", parentLabel).Int("port", *dnsPort).Msg("dnstunneld starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server loop exited with error")
	}
	log.Info().Msg("dnstunneld shut down")
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", level).Msg("invalid --log-level")
	}
}

func dottedSuffix(domain string) string {
	if len(domain) == 0 || domain[len(domain)-1] != '.' {
		return domain + "."
	}
	return domain
}

func openTunDevice(name string, ip net.IP, mask net.IPMask, mtu int) (tun.Device, error) {
	return tun.Open(tun.Config{Name: name, LocalIP: ip, Netmask: mask, MTU: mtu})
}
