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

// Package proxy_protocol wraps listeners to accept the PROXY protocol
// header from trusted load balancers, so the LMTP acceptor sees the real
// client addresses.
package proxy_protocol

import (
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
)

// ProxyProtocol is the parsed proxy_protocol directive.
type ProxyProtocol struct {
	// Trust lists the networks allowed to send the PROXY header. An empty
	// list trusts everybody.
	Trust []net.IPNet
}

// Directive parses
//
//	proxy_protocol [addr/mask...] {
//	    trust addr/mask...
//	}
//
// Addresses without a mask are single hosts.
func Directive(_ *config.Map, node config.Node) (interface{}, error) {
	var trustList []string

	childM := config.NewMap(nil, node)
	childM.StringList("trust", false, nil, &trustList)
	if err := childM.Process(); err != nil {
		return nil, err
	}
	trustList = append(trustList, node.Args...)

	p := &ProxyProtocol{}
	for _, trust := range trustList {
		if !strings.Contains(trust, "/") {
			if strings.Contains(trust, ":") {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		p.Trust = append(p.Trust, *ipNet)
	}
	return p, nil
}

func (p *ProxyProtocol) trusted(upstream net.Addr) bool {
	switch addr := upstream.(type) {
	case *net.TCPAddr:
		if len(p.Trust) == 0 {
			return true
		}
		for _, trusted := range p.Trust {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
		return false
	case *net.UnixAddr:
		// Local socket, the peer is the MTA itself.
		return true
	}
	return false
}

// NewListener returns a listener that strips the PROXY header of
// connections from trusted sources.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		if p.trusted(upstream) {
			return true, nil
		}
		logger.Msg("connection from untrusted source", "src", upstream.String())
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
