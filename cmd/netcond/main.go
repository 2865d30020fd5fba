// Command netcond runs one network-containerization tap: it listens for
// intercepted client processes on a Unix control socket and drives an
// embedded TCP/IP stack on their behalf.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/mastermind88/ZeroTierOne/internal/tap"
)

type ipFlags []string

func (f *ipFlags) String() string { return strings.Join(*f, ",") }
func (f *ipFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	nwidHex := flag.String("nwid", "", "16-hex-digit virtual network id (required)")
	home := flag.String("home", "/tmp", "state and control-socket directory")
	mtu := flag.Uint("mtu", 1500, "tap interface MTU")
	metric := flag.Int("metric", 0, "interface metric (informational only)")
	macStr := flag.String("mac", "", "tap MAC address (default: locally-administered, derived from nwid)")
	pcapPath := flag.String("pcap", "", "optional pcap capture file path")
	loglevel := flag.String("loglevel", "info", "log level: debug, info, warn, error")
	var ips ipFlags
	flag.Var(&ips, "ip", "assign an IPv4 address (CIDR form, repeatable)")
	flag.Parse()

	if *nwidHex == "" {
		fmt.Fprintln(os.Stderr, "netcond: -nwid is required")
		flag.Usage()
		os.Exit(1)
	}
	nwid, err := strconv.ParseUint(*nwidHex, 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netcond: invalid -nwid %q: %v\n", *nwidHex, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*loglevel)); err != nil {
		fmt.Fprintf(os.Stderr, "netcond: invalid -loglevel %q: %v\n", *loglevel, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mac, err := deriveMAC(*macStr, nwid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netcond: %v\n", err)
		os.Exit(1)
	}

	t, err := tap.New(tap.Config{
		NWID:     nwid,
		MAC:      mac,
		MTU:      uint32(*mtu),
		Metric:   *metric,
		HomeDir:  *home,
		PCAPPath: *pcapPath,
		Outbound: loggingOutbound(logger),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "netcond: %v\n", err)
		os.Exit(1)
	}
	defer t.Close()

	for _, cidr := range ips {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Error("invalid -ip value, skipping", "value", cidr, "error", err)
			continue
		}
		if err := t.AddIP(prefix.Addr(), prefix.Bits()); err != nil {
			logger.Error("failed to assign address", "value", cidr, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	tap.SignalNotify(sigCh)
	<-sigCh
	logger.Info("shutting down")
}

// deriveMAC parses -mac if supplied, else derives a locally-administered
// address from the network id, matching the original constructor's
// requirement that the tap always have a MAC assigned at startup (§12).
func deriveMAC(s string, nwid uint64) (net.HardwareAddr, error) {
	if s != "" {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("invalid -mac %q: %w", s, err)
		}
		return mac, nil
	}
	var b [6]byte
	b[0] = 0x02 // locally administered, unicast
	for i := 1; i < 6; i++ {
		b[i] = byte(nwid >> uint((6-i)*8))
	}
	return net.HardwareAddr(b[:]), nil
}

// loggingOutbound is the fabric collaborator stub named in §6: this
// standalone entrypoint has no overlay fabric wired in, so outbound frames
// are logged rather than silently dropped.
func loggingOutbound(logger *slog.Logger) func(srcMAC, dstMAC net.HardwareAddr, ethertype uint16, payload []byte) {
	return func(srcMAC, dstMAC net.HardwareAddr, ethertype uint16, payload []byte) {
		logger.Debug("outbound frame with no fabric wired", "src", srcMAC, "dst", dstMAC, "ethertype", ethertype, "bytes", len(payload))
	}
}
