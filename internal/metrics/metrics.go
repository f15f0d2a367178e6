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

// Package metrics exposes the prometheus registry over HTTP and collects
// the gauges that are computed on scrape: queue depths and held requests.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Endpoint struct {
	addrs []config.Endpoint
	Log   log.Logger

	listenersWg sync.WaitGroup
	serv        http.Server
	mux         *http.ServeMux
}

func New(logger log.Logger) *Endpoint {
	e := &Endpoint{Log: logger}
	e.mux = http.NewServeMux()
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux
	e.serv.ReadHeaderTimeout = 10 * time.Second
	return e
}

// Configure applies the block
//
//	openmetrics tcp://127.0.0.1:9749 {
//	    debug no
//	}
func (e *Endpoint) Configure(cfg *config.Map) error {
	cfg.Bool("debug", e.Log.Debug, &e.Log.Debug)
	if err := cfg.Process(); err != nil {
		return err
	}

	for _, a := range cfg.Block.Args {
		endp, err := config.ParseEndpoint(a)
		if err != nil {
			return config.NodeErr(cfg.Block, "malformed endpoint: %v", err)
		}
		if endp.IsTLS() {
			return config.NodeErr(cfg.Block, "TLS is not supported yet")
		}
		e.addrs = append(e.addrs, endp)
	}
	return nil
}

// Listen starts serving on the configured addresses.
func (e *Endpoint) Listen() error {
	for _, endp := range e.addrs {
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			e.serv.Close()
			return fmt.Errorf("metrics: %w", err)
		}
		e.Serve(l)
		e.Log.Println("listening on", endp.String())
	}
	return nil
}

func (e *Endpoint) Serve(l net.Listener) {
	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		err := e.serv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("serve failed", err, "endpoint", l.Addr().String())
		}
	}()
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}

var (
	queueDepthDesc = prometheus.NewDesc(
		prometheus.BuildFQName("mlist", "queue", "depth"),
		"Items waiting in the queue",
		[]string{"queue"}, nil,
	)
	heldRequestsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("mlist", "moderation", "held_requests"),
		"Requests waiting for a moderator",
		[]string{"list"}, nil,
	)
)

// Collector reports the queue depths and, if Store is set, the amount of
// held requests per list.
type Collector struct {
	Queues *switchboard.Set
	Lists  mlist.ListManager
	Store  mlist.RequestStore
	Log    log.Logger

	// Timeout bounds the store queries done on scrape.
	Timeout time.Duration
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- heldRequestsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range switchboard.AllQueues {
		files, err := c.Queues.Get(name).Files()
		if err != nil {
			c.Log.Error("cannot list the queue", err, "queue", name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(len(files)), name)
	}

	if c.Store == nil || c.Lists == nil {
		return
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lists, err := c.Lists.Lists(ctx)
	if err != nil {
		c.Log.Error("cannot enumerate lists", err)
		return
	}
	for _, l := range lists {
		reqs, err := c.Store.Requests(ctx, l.ListID())
		if err != nil {
			c.Log.Error("cannot count held requests", err, "list", l.ListID())
			continue
		}
		ch <- prometheus.MustNewConstMetric(heldRequestsDesc, prometheus.GaugeValue, float64(len(reqs)), l.ListID())
	}
}
