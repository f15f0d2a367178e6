/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package lmtp implements the acceptor that receives list mail from the
// local MTA over LMTP.
//
// Each recipient is decoded into a list and a sub-address, the message is
// enqueued once per recipient into the queue serving the sub-address and
// the MTA gets a separate reply for every recipient, as RFC 2033 requires.
package lmtp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/proxy_protocol"
	"github.com/foxcpp/mlist/internal/switchboard"
	"golang.org/x/net/idna"
)

type Acceptor struct {
	Lists  mlist.ListManager
	Queues *switchboard.Set

	// SiteOwner is the envelope sender of the messages forwarded to list
	// owners, so bounces of those do not loop back into the list.
	SiteOwner string

	Now func() time.Time
	Log log.Logger

	hostname    string
	maxReceived int
	addrs       []config.Endpoint
	proxy       *proxy_protocol.ProxyProtocol

	serv        *smtp.Server
	listeners   []net.Listener
	listenersWg sync.WaitGroup
}

func New(lists mlist.ListManager, queues *switchboard.Set, logger log.Logger) *Acceptor {
	a := &Acceptor{
		Lists:       lists,
		Queues:      queues,
		Now:         time.Now,
		Log:         logger,
		maxReceived: 50,
	}
	a.serv = smtp.NewServer(a)
	a.serv.LMTP = true
	a.serv.ErrorLog = a.Log
	a.serv.AuthDisabled = true
	a.serv.EnableSMTPUTF8 = true
	a.serv.ReadTimeout = 10 * time.Minute
	a.serv.WriteTimeout = 1 * time.Minute
	a.serv.MaxMessageBytes = 32 * 1024 * 1024
	a.serv.Domain = "localhost"
	return a
}

// Configure applies the lmtp block:
//
//	lmtp tcp://127.0.0.1:8024 {
//	    hostname lists.example.org
//	    read_timeout 10m
//	    write_timeout 1m
//	    max_message_size 32M
//	    max_recipients 1000
//	    max_received 50
//	    proxy_protocol 10.0.0.0/8
//	    io_debug no
//	    debug no
//	}
func (a *Acceptor) Configure(cfg *config.Map) error {
	var (
		ioDebug     bool
		maxMsgBytes int64
	)
	hostname, _ := os.Hostname()
	if h, ok := cfg.Globals["hostname"].(string); ok {
		hostname = h
	}
	cfg.String("hostname", false, hostname, &a.hostname)
	cfg.Duration("read_timeout", false, 10*time.Minute, &a.serv.ReadTimeout)
	cfg.Duration("write_timeout", false, 1*time.Minute, &a.serv.WriteTimeout)
	cfg.DataSize("max_message_size", false, 32*1024*1024, &maxMsgBytes)
	cfg.Int("max_recipients", false, 1000, &a.serv.MaxRecipients)
	cfg.Int("max_received", false, 50, &a.maxReceived)
	cfg.Custom("proxy_protocol", false, nil, proxy_protocol.Directive, &a.proxy)
	cfg.Bool("io_debug", false, &ioDebug)
	cfg.Bool("debug", a.Log.Debug, &a.Log.Debug)
	if err := cfg.Process(); err != nil {
		return err
	}
	a.serv.MaxMessageBytes = int(maxMsgBytes)
	a.serv.ErrorLog = a.Log

	var err error
	a.serv.Domain, err = idna.ToASCII(a.hostname)
	if err != nil {
		return fmt.Errorf("lmtp: cannot represent the hostname as an A-label name: %w", err)
	}

	a.addrs = a.addrs[:0]
	for _, arg := range cfg.Block.Args {
		endp, err := config.ParseEndpoint(arg)
		if err != nil {
			return config.NodeErr(cfg.Block, "invalid address: %v", err)
		}
		if endp.IsTLS() {
			return config.NodeErr(cfg.Block, "LMTP over TLS is not supported: %s", arg)
		}
		a.addrs = append(a.addrs, endp)
	}
	if len(a.addrs) == 0 {
		return config.NodeErr(cfg.Block, "at least one listen address is required")
	}

	if ioDebug {
		a.serv.Debug = a.Log.DebugWriter()
		a.Log.Println("I/O debugging is on! Message contents will be logged")
	}
	return nil
}

// Listen binds the configured addresses and starts serving. Listeners
// opened before a failure are closed.
func (a *Acceptor) Listen() error {
	for _, addr := range a.addrs {
		if addr.Network() == "unix" {
			// Stale socket of a previous run.
			_ = os.Remove(addr.Address())
		}
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			a.closeListeners()
			return fmt.Errorf("lmtp: %w", err)
		}
		a.Serve(l)
		a.Log.Printf("listening on %v", addr)
	}
	return nil
}

// Serve starts serving connections accepted by l in the background.
func (a *Acceptor) Serve(l net.Listener) {
	if a.proxy != nil {
		l = proxy_protocol.NewListener(l, a.proxy, a.Log)
	}
	a.listeners = append(a.listeners, l)

	a.listenersWg.Add(1)
	go func() {
		defer a.listenersWg.Done()
		if err := a.serv.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			a.Log.Printf("failed to serve %s: %s", l.Addr(), err)
		}
	}()
}

// Addrs returns the addresses the acceptor is listening on.
func (a *Acceptor) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(a.listeners))
	for _, l := range a.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (a *Acceptor) closeListeners() {
	for _, l := range a.listeners {
		l.Close()
	}
	a.listeners = nil
}

// Close stops accepting connections and waits for the serving goroutines.
func (a *Acceptor) Close() error {
	a.serv.Close()
	a.listenersWg.Wait()
	a.listeners = nil
	return nil
}

func (a *Acceptor) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &session{
		a:   a,
		log: a.Log,
	}
	if c != nil && c.Conn() != nil {
		s.log = a.Log.With("src", c.Conn().RemoteAddr().String())
	}
	return s, nil
}
