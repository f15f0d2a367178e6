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

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	store := memstore.New()
	list := mlist.New("test", "example.com")
	if err := store.CreateList(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.AddRequest(context.Background(), &mlist.Request{
			ListID: list.ListID(),
			Type:   mlist.RequestHeldMessage,
			Key:    "<held@example.org>",
			Data:   map[string]string{},
		}); err != nil {
			t.Fatal(err)
		}
	}

	queues, err := switchboard.NewSet(t.TempDir(), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := msg.ReadBytes([]byte("From: anne@example.org\r\nMessage-ID: <m1@example.org>\r\n\r\nHi!\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queues.Get(switchboard.Virgin).Enqueue(m, msg.NewMetadata(list.ListID())); err != nil {
		t.Fatal(err)
	}

	c := &Collector{
		Queues: queues,
		Lists:  store,
		Store:  store,
		Log:    testutils.Logger(t, "metrics"),
	}

	expected := `
# HELP mlist_moderation_held_requests Requests waiting for a moderator
# TYPE mlist_moderation_held_requests gauge
mlist_moderation_held_requests{list="test.example.com"} 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "mlist_moderation_held_requests"); err != nil {
		t.Error(err)
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "mlist_queue_depth" {
			continue
		}
		if len(f.Metric) != len(switchboard.AllQueues) {
			t.Errorf("expected %d queues, got %d", len(switchboard.AllQueues), len(f.Metric))
		}
		for _, metric := range f.Metric {
			want := 0.0
			if metric.Label[0].GetValue() == switchboard.Virgin {
				want = 1
			}
			if got := metric.Gauge.GetValue(); got != want {
				t.Errorf("%s: expected depth %v, got %v", metric.Label[0].GetValue(), want, got)
			}
		}
	}
}

func TestEndpoint(t *testing.T) {
	e := New(testutils.Logger(t, "metrics"))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e.Serve(l)
	defer e.Close()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("default collectors are not exposed")
	}
}
