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

package bounce

import "github.com/prometheus/client_golang/prometheus"

var (
	bounceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "events_total",
			Help:      "Bounce events recorded",
		},
		[]string{"context"},
	)
	unrecognized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "unrecognized_total",
			Help:      "Bounces no address could be extracted from",
		},
	)
	membersDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "disabled_total",
			Help:      "Members disabled by bounces",
		},
	)
	membersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "removed_total",
			Help:      "Members removed after the disabled warnings",
		},
	)
	probesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "probes_total",
			Help:      "Probe messages sent",
		},
	)
	warningsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "bounce",
			Name:      "warnings_total",
			Help:      "Disabled membership warnings sent",
		},
	)
)

func init() {
	prometheus.MustRegister(bounceEvents)
	prometheus.MustRegister(unrecognized)
	prometheus.MustRegister(membersDisabled)
	prometheus.MustRegister(membersRemoved)
	prometheus.MustRegister(probesSent)
	prometheus.MustRegister(warningsSent)
}
