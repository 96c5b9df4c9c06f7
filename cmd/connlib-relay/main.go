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

// Command connlib-relay drives pkg/relay.Server's sans-io STUN/TURN
// engine over real UDP sockets: one listener per configured port,
// fed by a single goroutine pump per socket, commands drained and
// carried out after every HandleClientInput/HandlePeerTraffic/
// HandleTimeout call.
package main

import (
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/logging"
	"github.com/netshade/connlib/pkg/relay"
)

func main() {
	var (
		listenUDP  string
		realm      string
		secretB64  string
		lowestPort uint
		highPort   uint
		logLevel   string
	)
	flag.StringVar(&listenUDP, "listen-udp", ":3478", "The address to listen on for STUN/TURN traffic")
	flag.StringVar(&realm, "realm", "localhost", "The realm to use for the TURN server")
	flag.StringVar(&secretB64, "secret", "", "Base64-encoded HMAC secret for ephemeral credentials (required)")
	flag.UintVar(&lowestPort, "lowest-port", 49152, "Lowest port in the relay allocation range")
	flag.UintVar(&highPort, "highest-port", 65535, "Highest port in the relay allocation range")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logging.SetupLogging(logLevel)

	if secretB64 == "" {
		fatal(log, errors.New("-secret is required"))
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		fatal(log, err)
	}

	server := relay.NewServer(secret, realm, uint16(lowestPort), uint16(highPort))

	primary, err := net.ListenUDP("udp", mustResolve(listenUDP))
	if err != nil {
		fatal(log, err)
	}
	defer primary.Close()
	// Enable destination-address control messages on the primary socket.
	// pumpPrimary reads with ReadFromUDPAddrPort and does not consume them,
	// so the local address a packet arrived on is not tracked.
	if pc := ipv4.NewPacketConn(primary); pc.SetControlMessage(ipv4.FlagDst, true) != nil {
		log.Debug("ipv4 control messages unavailable on this platform")
	}

	d := &driver{log: log, server: server, primary: primary, allocations: make(map[ids.AllocationPort]*net.UDPConn)}

	var eg errgroup.Group
	eg.Go(func() error { d.pumpPrimary(); return nil })
	eg.Go(func() error { d.timeoutLoop(); return nil })

	log.Info("connlib-relay listening", slog.String("addr", listenUDP), slog.String("realm", realm))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	d.closeAllocations()
}

func fatal(log *slog.Logger, err error) {
	log.Error(err.Error())
	os.Exit(1)
}

func mustResolve(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}
	return a
}

// driver owns every socket the relay touches and carries out the
// Commands pkg/relay.Server queues; the Server itself never calls net.
type driver struct {
	log     *slog.Logger
	server  *relay.Server
	primary *net.UDPConn

	mu          sync.Mutex
	allocations map[ids.AllocationPort]*net.UDPConn
}

func (d *driver) pumpPrimary() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := d.primary.ReadFromUDPAddrPort(buf)
		if err != nil {
			d.log.Error("primary socket read failed", slog.Any("error", err))
			return
		}
		d.server.HandleClientInput(addr, append([]byte(nil), buf[:n]...), time.Now())
		d.drainCommands()
	}
}

func (d *driver) pumpAllocation(port ids.AllocationPort, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		d.server.HandlePeerTraffic(port, addr, append([]byte(nil), buf[:n]...), time.Now())
		d.drainCommands()
	}
}

func (d *driver) drainCommands() {
	for {
		cmd, ok := d.server.NextCommand()
		if !ok {
			return
		}
		switch c := cmd.(type) {
		case relay.SendMessage:
			if _, err := d.primary.WriteToUDPAddrPort(c.Data, c.To); err != nil {
				d.log.Debug("send failed", slog.Any("error", err))
			}
		case relay.CreateAllocation:
			d.createAllocation(c.Port)
		case relay.FreeAllocation:
			d.freeAllocation(c.Port)
		}
	}
}

func (d *driver) createAllocation(port ids.AllocationPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocations[port]; ok {
		return
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		d.log.Error("failed to reserve allocation port", slog.Int("port", int(port)), slog.Any("error", err))
		return
	}
	d.allocations[port] = conn
	go d.pumpAllocation(port, conn)
}

func (d *driver) freeAllocation(port ids.AllocationPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.allocations[port]
	if !ok {
		return
	}
	conn.Close()
	delete(d.allocations, port)
}

func (d *driver) closeAllocations() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for port, conn := range d.allocations {
		conn.Close()
		delete(d.allocations, port)
	}
}

func (d *driver) timeoutLoop() {
	for {
		deadline, ok := d.server.PollTimeout()
		wait := 5 * time.Second
		if ok {
			if until := time.Until(deadline); until > 0 {
				wait = until
			} else {
				wait = 0
			}
		}
		time.Sleep(wait)
		d.server.HandleTimeout(time.Now())
		d.drainCommands()
	}
}
