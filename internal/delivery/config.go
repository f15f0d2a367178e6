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

package delivery

import (
	"crypto/tls"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/foxcpp/mlist/framework/config"
	"golang.org/x/time/rate"
)

// saslAuthDirective parses
//
//	auth off
//	auth plain username password
//	auth external
func saslAuthDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "at least one argument required")
	}
	switch node.Args[0] {
	case "off":
		return nil, nil
	case "plain":
		if len(node.Args) != 3 {
			return nil, config.NodeErr(node, "two additional arguments are required (username, password)")
		}
		return func() sasl.Client {
			return sasl.NewPlainClient("", node.Args[1], node.Args[2])
		}, nil
	case "external":
		if len(node.Args) > 1 {
			return nil, config.NodeErr(node, "no additional arguments required")
		}
		return func() sasl.Client {
			return sasl.NewExternalClient("")
		}, nil
	default:
		return nil, config.NodeErr(node, "unknown authentication mechanism: %s", node.Args[0])
	}
}

// rateDirective parses "rate <burst> [period]": at most burst transactions
// per period, 1s by default.
func rateDirective(_ *config.Map, node config.Node) (interface{}, error) {
	period := 1 * time.Second
	burst := 0

	switch len(node.Args) {
	case 2:
		var err error
		period, err = time.ParseDuration(node.Args[1])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if period <= 0 {
			return nil, config.NodeErr(node, "period should be positive")
		}
		fallthrough
	case 1:
		var err error
		burst, err = strconv.Atoi(node.Args[0])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
	case 0:
		return nil, config.NodeErr(node, "at least burst size is needed")
	default:
		return nil, config.NodeErr(node, "too many arguments")
	}

	if burst == 0 {
		return nil, nil
	}
	return rate.NewLimiter(rate.Every(period/time.Duration(burst)), burst), nil
}

// Configure applies the relay block:
//
//	relay tcp://127.0.0.1:25 {
//	    hostname lists.example.org
//	    starttls no
//	    tls_insecure no
//	    auth plain user password
//	    rate 10 1s
//	    sessions_per_connection 0
//	    connect_timeout 5m
//	    command_timeout 5m
//	}
func (r *Relay) Configure(cfg *config.Map) error {
	var tlsInsecure bool

	cfg.String("hostname", true, "", &r.Hostname)
	cfg.Bool("starttls", false, &r.StartTLS)
	cfg.Bool("tls_insecure", false, &tlsInsecure)
	cfg.Custom("auth", false, nil, saslAuthDirective, &r.Auth)
	cfg.Custom("rate", false, nil, rateDirective, &r.Limiter)
	cfg.Int("sessions_per_connection", false, 0, &r.SessionsPerConnection)
	cfg.Duration("connect_timeout", false, 5*time.Minute, &r.ConnectTimeout)
	cfg.Duration("command_timeout", false, 5*time.Minute, &r.CommandTimeout)
	cfg.Bool("debug", r.Log.Debug, &r.Log.Debug)
	if err := cfg.Process(); err != nil {
		return err
	}

	if len(cfg.Block.Args) != 1 {
		return config.NodeErr(cfg.Block, "exactly one relay address is required")
	}
	endp, err := config.ParseEndpoint(cfg.Block.Args[0])
	if err != nil {
		return config.NodeErr(cfg.Block, "invalid relay address: %v", err)
	}
	r.Endpoint = endp

	if r.StartTLS || endp.IsTLS() {
		r.TLSConfig = &tls.Config{
			ServerName:         endp.Host,
			InsecureSkipVerify: tlsInsecure,
		}
	}
	if r.SessionsPerConnection < 0 {
		return config.NodeErr(cfg.Block, "sessions_per_connection should not be negative")
	}
	return nil
}
