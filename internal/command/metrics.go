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

package command

import "github.com/prometheus/client_golang/prometheus"

var commands = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mlist",
		Subsystem: "command",
		Name:      "processed_total",
		Help:      "Command messages processed",
	},
	[]string{"command", "result"},
)

func init() {
	prometheus.MustRegister(commands)
}
