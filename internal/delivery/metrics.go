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

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "delivery",
			Name:      "rcpts_total",
			Help:      "Number of recipients per delivery result",
		},
		[]string{"result"},
	)
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mlist",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time spent delivering a queue item to the relay",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
	retried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Number of items moved from the retry queue back to the out queue",
		},
	)
	retriesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlist",
			Subsystem: "delivery",
			Name:      "retries_expired_total",
			Help:      "Number of items discarded after the retry period",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveries, deliveryDuration, retried, retriesExpired)
}
