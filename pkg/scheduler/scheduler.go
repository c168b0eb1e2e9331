// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Trigger decides when a job next fires
type Trigger interface {
	// Next returns the next fire time strictly after now
	Next(now time.Time) time.Time
}

// Every fires at a fixed interval
type Every struct {
	Interval time.Duration
}

// Next returns now plus the interval
func (e Every) Next(now time.Time) time.Time {
	return now.Add(e.Interval)
}

// DailyAt fires once a day at a local wall-clock time
type DailyAt struct {
	Hour   int
	Minute int
}

// Next returns today's fire time, or tomorrow's if it already passed
func (d DailyAt) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ParseDailyAt parses an "HH:MM" wall-clock spec
func ParseDailyAt(spec string) (DailyAt, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return DailyAt{}, fmt.Errorf("invalid time spec %q, want HH:MM", spec)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return DailyAt{}, fmt.Errorf("invalid hour in time spec %q", spec)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return DailyAt{}, fmt.Errorf("invalid minute in time spec %q", spec)
	}
	return DailyAt{Hour: hour, Minute: minute}, nil
}

type job struct {
	name    string
	trigger Trigger
	run     func(ctx context.Context) error
}

// Scheduler runs registered background jobs on their triggers. Jobs run
// sequentially within themselves; a slow run delays its own next fire
// but never another job's.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []job
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	logger   *logrus.Logger
}

// New creates an idle scheduler
func New(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{logger: logger}
}

// Register adds a job. Registration after Start has no effect until the
// next Start.
func (s *Scheduler) Register(name string, trigger Trigger, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, trigger: trigger, run: run})
}

// Start launches one loop per registered job
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j, s.stopChan)
	}
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop signals all job loops and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(j job, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		wait := time.Until(j.trigger.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			select {
			case <-stop:
				cancel()
			case <-done:
			}
		}()

		if err := j.run(ctx); err != nil {
			s.logger.WithError(err).WithField("job", j.name).Warn("Scheduled job failed")
		}
		close(done)
		cancel()
	}
}
