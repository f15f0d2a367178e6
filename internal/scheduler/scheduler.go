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

// Package scheduler runs the periodic site tasks: digest flushes, bounce
// processing, pending token eviction and retry passes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var taskRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mlist",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Periodic task runs",
	},
	[]string{"task", "result"},
)

func init() {
	prometheus.MustRegister(taskRuns)
}

// Task is a named periodic job. Schedule uses the cron syntax, including
// the @every and @daily descriptors.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// cronLogger adapts the zap view of the site logger to cron.Logger. cron
// reports every job start at Info, so those go to the debug log.
type cronLogger struct {
	z *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.z.Errorw(msg, append(keysAndValues, "reason", err.Error())...)
}

type Scheduler struct {
	cron *cron.Cron
	log  log.Logger

	// Timeout bounds a single task run, 0 means no limit.
	Timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]Task
}

func New(logger log.Logger) *Scheduler {
	cl := cronLogger{z: logger.Zap().Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:   logger,
		tasks: map[string]Task{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers the task. It fails if the schedule cannot be parsed or
// the name is taken.
func (s *Scheduler) Add(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("scheduler: duplicate task: %s", t.Name)
	}
	if _, err := s.cron.AddFunc(t.Schedule, func() { s.run(t) }); err != nil {
		return fmt.Errorf("scheduler: %s: %w", t.Name, err)
	}
	s.tasks[t.Name] = t
	return nil
}

// RunNow runs the task synchronously, outside of its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task: %s", name)
	}
	return s.run(t)
}

func (s *Scheduler) run(t Task) error {
	ctx := s.ctx
	if s.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := t.Run(ctx)
	if err != nil {
		taskRuns.WithLabelValues(t.Name, "failed").Inc()
		s.log.Error("task failed", err, "task", t.Name)
		return err
	}
	taskRuns.WithLabelValues(t.Name, "ok").Inc()
	s.log.DebugMsg("task done", "task", t.Name, "took", time.Since(start).String())
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled. Running
// tasks are cancelled and waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()

	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}
