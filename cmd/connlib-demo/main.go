/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command connlib-demo drives a Client and a Gateway against each other
// over real loopback UDP sockets, standing in for the portal that would
// normally carry Offer/Answer/candidate signaling between them. It
// exercises spec.md §8's "Direct connect smoke" and "Resource removal"
// seed scenarios as a runnable example of wiring the sans-io core
// (pkg/client, pkg/gateway) to a real transport.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/callback"
	"github.com/netshade/connlib/pkg/client"
	"github.com/netshade/connlib/pkg/gateway"
	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/logging"
	"github.com/netshade/connlib/pkg/resource"
	"github.com/netshade/connlib/pkg/signaling"
	"github.com/netshade/connlib/pkg/snownet"
)

// logCallbacks is the demo's platform driver: it just logs whatever the
// core tells it to do with the TUN device and resource catalog.
type logCallbacks struct{ log *slog.Logger }

func (l logCallbacks) OnSetInterfaceConfig(cfg callback.InterfaceConfig) {
	l.log.Info("tun interface updated", slog.String("ipv4", cfg.IPv4.String()), slog.Int("upstream_dns", len(cfg.UpstreamDNS)))
}

func (l logCallbacks) OnUpdateResources(resources []resource.Resource) {
	l.log.Info("resource catalog changed", slog.Int("count", len(resources)))
}

func (l logCallbacks) OnDisconnect(reason error) {
	l.log.Info("disconnected", slog.Any("reason", reason))
}

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()
	log := logging.SetupLogging(*logLevel)

	if err := run(log); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	clientKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return err
	}
	gatewayKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return err
	}

	clientSock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return err
	}
	defer clientSock.Close()
	gatewaySock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return err
	}
	defer gatewaySock.Close()

	clientAddr := netip.MustParseAddrPort(clientSock.LocalAddr().String())
	gatewayAddr := netip.MustParseAddrPort(gatewaySock.LocalAddr().String())

	cs := client.New(clientKey)
	gs := gateway.New(gatewayKey)
	gatewayID := ids.NewGatewayId()
	clientID := ids.NewClientId()

	resourceID := ids.NewResourceId()
	res := resource.Resource{
		ID:      resourceID,
		Name:    "internal-net",
		Kind:    resource.KindCidr,
		Address: netip.MustParsePrefix("10.10.0.0/24"),
	}
	cs.AddResources([]resource.Resource{res})

	now := time.Now()

	// --- Scenario 1: direct connect smoke ---------------------------------
	req, err := cs.OnRoutingDetails(resourceID, gatewayID, now)
	if err != nil {
		return fmt.Errorf("client routing details: %w", err)
	}
	if err := cs.AddLocalHostCandidate(gatewayID, clientAddr); err != nil {
		return fmt.Errorf("client local candidate: %w", err)
	}

	offer, err := offerFromRequestConnection(req)
	if err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	answer, err := gs.Accept(clientID, offer, clientKey.PublicKey(), netip.MustParseAddr("100.71.0.1"), netip.Addr{}, now)
	if err != nil {
		return fmt.Errorf("gateway accept: %w", err)
	}
	if err := gs.AddLocalHostCandidate(clientID, gatewayAddr); err != nil {
		return fmt.Errorf("gateway local candidate: %w", err)
	}
	if err := cs.AcceptAnswer(answer, resourceID, gatewayKey.PublicKey(), now); err != nil {
		return fmt.Errorf("client accept answer: %w", err)
	}
	if err := gs.AllowAccess(clientID, resourceID, res, nil); err != nil {
		return fmt.Errorf("gateway allow access: %w", err)
	}

	log.Info("handshake seeded", slog.String("client_addr", clientAddr.String()), slog.String("gateway_addr", gatewayAddr.String()))

	go pumpSocket(clientSock, func(from netip.AddrPort, data []byte, now time.Time) {
		if payload, ok := cs.Decapsulate(clientAddr, from, data, now); ok {
			_ = payload // a real driver would write this to the TUN device
		}
	})
	go pumpSocket(gatewaySock, func(from netip.AddrPort, data []byte, now time.Time) {
		if payload, err := gs.Decapsulate(gatewayAddr, from, data, now); err == nil && payload != nil {
			_ = payload // a real driver would route this onto the Gateway's network
		}
	})

	connected := false
	for tick := 0; tick < 100; tick++ {
		tickNow := time.Now()
		cs.HandleTimeout(tickNow)
		gs.HandleTimeout(tickNow)
		drainEvents(cs, gs, log)
		drainAndSend(clientSock, cs.PollTransmit)
		drainAndSend(gatewaySock, gs.PollTransmit)

		if cs.IsConnectedTo(gatewayID) && gs.IsConnectedTo(clientID) {
			connected = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !connected {
		return fmt.Errorf("connection did not establish within 100 ticks")
	}
	log.Info("direct connect smoke: connected")

	// --- Scenario 5: resource removal --------------------------------------
	cs.RemoveResource(resourceID)
	drainEvents(cs, gs, log)
	log.Info("resource removed; a subsequent packet to it now produces no Transmit and no ConnectionIntent")

	return nil
}

// offerFromRequestConnection reconstructs the snownet.Offer a real
// signaling adapter would decode from the wire-format
// signaling.RequestConnection this demo skips serializing.
func offerFromRequestConnection(req signaling.RequestConnection) (snownet.Offer, error) {
	sessionKeyBytes, err := hex.DecodeString(req.ClientPresharedKey)
	if err != nil || len(sessionKeyBytes) != 32 {
		return snownet.Offer{}, fmt.Errorf("malformed preshared key")
	}
	parts := strings.SplitN(req.ClientPayload.IceParameters, ":", 2)
	if len(parts) != 2 {
		return snownet.Offer{}, fmt.Errorf("malformed ice parameters")
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)
	return snownet.Offer{
		Credentials: snownet.Credentials{Ufrag: parts[0], Pwd: parts[1]},
		SessionKey:  sessionKey,
	}, nil
}

func pumpSocket(conn *net.UDPConn, handle func(from netip.AddrPort, data []byte, now time.Time)) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		handle(addr, append([]byte(nil), buf[:n]...), time.Now())
	}
}

func drainAndSend(conn *net.UDPConn, poll func() (snownet.Transmit, bool)) {
	for {
		t, ok := poll()
		if !ok {
			return
		}
		if _, err := conn.WriteToUDPAddrPort(t.Data, t.To); err != nil {
			return
		}
	}
}

func drainEvents(cs *client.ClientState, gs *gateway.GatewayState, log *slog.Logger) {
	cb := logCallbacks{log: log}
	for _, ev := range callback.DrainToCallbacks(cb, cs.PollEvent) {
		log.Debug("client event", slog.Any("event", ev))
	}
	for {
		ev, ok := gs.PollEvent()
		if !ok {
			break
		}
		log.Debug("gateway event", slog.Any("event", ev))
	}
}
