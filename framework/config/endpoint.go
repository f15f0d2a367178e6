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

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint is a network address in URL form: tcp://host:port or
// unix:///path.
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}
	if e.Scheme == "unix" {
		return "unix://" + e.Path
	}
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return e.Scheme + "://" + host + ":" + e.Port
}

// Network returns the net.Dial network name.
func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

// Address returns the net.Dial address: host:port or the socket path.
func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// IsTLS is set for tls://host:port, used by relays with implicit TLS.
func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

// ParseEndpoint parses tcp://, tls:// and unix:// addresses. The opaque
// forms tcp:host:port and unix:path are accepted too. TCP endpoints need an
// explicit port.
func ParseEndpoint(str string) (Endpoint, error) {
	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, err
	}

	switch u.Scheme {
	case "tcp", "tls":
		if u.Host == "" && u.Opaque != "" {
			u.Host = u.Opaque
		}
	case "unix":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("%s: missing socket path", str)
		}
		return Endpoint{Original: str, Scheme: "unix", Path: path}, nil
	default:
		return Endpoint{}, fmt.Errorf("%s: unsupported scheme %q", str, u.Scheme)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: %w", str, err)
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("%s: port is required", str)
	}

	return Endpoint{Original: str, Scheme: u.Scheme, Host: host, Port: port}, nil
}
