// Package scheduler implements time-based job creation: cron-style
// recurring schedules, one-shot delayed jobs, and dependency chains
// whose steps are released by completion of the previous step.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/queue"
)

// cronParser accepts standard five-field cron expressions plus
// descriptors like "@hourly" and "@every 5m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Kind distinguishes recurring cron entries from one-shot delayed
// entries.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindDelayed   Kind = "delayed"
)

// Entry is one tracked schedule: a recurring cron schedule, or a
// one-shot delayed job. Entries are deactivated on cancellation or
// completion, never removed, so fire history stays queryable.
type Entry struct {
	ID        id.ScheduleID `json:"id"`
	Kind      Kind          `json:"kind"`
	Name      string        `json:"name"`
	Spec      string        `json:"spec,omitempty"`
	JobType   string        `json:"job_type"`
	Payload   []byte        `json:"payload"`
	JobID     id.JobID      `json:"job_id,omitempty"`
	Enabled   bool          `json:"enabled"`
	Cancelled bool          `json:"cancelled"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	FireCount int64         `json:"fire_count"`
	FailCount int64         `json:"fail_count"`
	CreatedAt time.Time     `json:"created_at"`

	schedule cron.Schedule
	opts     []job.Option
}

// NextRuns previews the next n fire times from now. A delayed entry has
// at most one: its due time, while still pending.
func (e *Entry) NextRuns(n int) []time.Time {
	if e.schedule == nil {
		if n > 0 && e.NextRun.After(time.Now().UTC()) {
			return []time.Time{e.NextRun}
		}
		return nil
	}
	out := make([]time.Time, 0, n)
	t := time.Now().UTC()
	for range n {
		t = e.schedule.Next(t)
		out = append(out, t)
	}
	return out
}

// Scheduler owns schedule entries (recurring and delayed) and
// dependency chains. Entries and chain state live in scheduler memory;
// the jobs they create are durable through the queue store.
//
// The scheduler is also a lifecycle hook: completion and terminal
// failure events advance chains and maintain per-schedule failure
// counts.
type Scheduler struct {
	queues *queue.Manager
	hooks  *hooks.Registry
	poll   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[id.ScheduleID]*Entry
	chains   map[id.ChainID]*Chain
	jobChain map[id.JobID]id.ChainID
	jobSched map[id.JobID]id.ScheduleID
	delayed  int64

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. poll bounds how late a recurring fire can
// be; zero means one second.
func New(queues *queue.Manager, hookReg *hooks.Registry, poll time.Duration, logger *slog.Logger) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queues:   queues,
		hooks:    hookReg,
		poll:     poll,
		logger:   logger,
		entries:  make(map[id.ScheduleID]*Entry),
		chains:   make(map[id.ChainID]*Chain),
		jobChain: make(map[id.JobID]id.ChainID),
		jobSched: make(map[id.JobID]id.ScheduleID),
	}
}

// Name implements hooks.Hook.
func (s *Scheduler) Name() string { return "scheduler" }

// Start launches the tick loop that fires due recurring entries.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the tick loop. Scheduled jobs already in the store keep
// their due times.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fireDue(context.Background())
		}
	}
}

// fireDue creates jobs for every enabled entry whose NextRun has
// passed, then advances NextRun past now so a slow tick fires once.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Entry, 0)
	for _, e := range s.entries {
		// Delayed entries never fire here; their job is already durable
		// in the store and becomes claimable when due.
		if e.schedule != nil && e.Enabled && !e.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		res, err := s.queues.Add(ctx, e.JobType, e.Payload,
			append(e.opts, job.WithCorrelationID(e.ID.String()))...)

		s.mu.Lock()
		fired := now
		e.LastRun = &fired
		e.NextRun = e.schedule.Next(now)
		if err == nil {
			e.FireCount++
			s.jobSched[res.JobID] = e.ID
		} else {
			e.FailCount++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("schedule fire failed",
				slog.String("schedule_id", e.ID.String()),
				slog.String("job_type", e.JobType),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.hooks.EmitScheduleFired(ctx, e.ID, res.JobID)
	}
}

// ScheduleRecurring registers a cron-style recurring schedule and
// returns the entry with a preview of its next fire time. The spec
// accepts five-field cron expressions and descriptors ("@hourly",
// "@every 10m"). An unparsable spec returns strom.ErrInvalidArgument.
func (s *Scheduler) ScheduleRecurring(_ context.Context, name, spec, jobType string, payload []byte, opts ...job.Option) (*Entry, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: empty job type", strom.ErrValidation)
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cron spec %q: %v", strom.ErrInvalidArgument, spec, err)
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:        id.NewScheduleID(),
		Kind:      KindRecurring,
		Name:      name,
		Spec:      spec,
		JobType:   jobType,
		Payload:   payload,
		Enabled:   true,
		NextRun:   sched.Next(now),
		CreatedAt: now,
		schedule:  sched,
		opts:      opts,
	}

	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()

	s.logger.Info("recurring schedule registered",
		slog.String("schedule_id", e.ID.String()),
		slog.String("spec", spec),
		slog.String("job_type", jobType),
		slog.Time("next_run", e.NextRun),
	)
	return e, nil
}

// ScheduleDelayed creates a one-shot job due at runAt and tracks it as
// a schedule entry, so it can be listed and cancelled by schedule id
// like a recurring one. The time must be strictly in the future; the
// job is durable immediately, carried as delayed by the store until
// due. The entry is deactivated once the job finishes.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, jobType string, payload []byte, runAt time.Time, opts ...job.Option) (*Entry, error) {
	if !runAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: run time %s is not in the future", strom.ErrInvalidArgument, runAt.Format(time.RFC3339))
	}

	res, err := s.queues.Add(ctx, jobType, payload, append(opts, job.WithRunAt(runAt))...)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:        id.NewScheduleID(),
		Kind:      KindDelayed,
		JobType:   jobType,
		Payload:   payload,
		JobID:     res.JobID,
		Enabled:   true,
		NextRun:   runAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.entries[e.ID] = e
	s.jobSched[res.JobID] = e.ID
	s.delayed++
	s.mu.Unlock()
	return e, nil
}

// RescheduleRecurring retires an existing recurring entry and registers
// a replacement with the new cron spec under a fresh schedule id. Fire
// history stays with the retired entry.
func (s *Scheduler) RescheduleRecurring(_ context.Context, scheduleID id.ScheduleID, spec string) (*Entry, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cron spec %q: %v", strom.ErrInvalidArgument, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", strom.ErrScheduleNotFound, scheduleID)
	}
	if old.Kind != KindRecurring {
		return nil, fmt.Errorf("%w: %s is not a recurring schedule", strom.ErrInvalidArgument, scheduleID)
	}
	if old.Cancelled {
		return nil, fmt.Errorf("%w: schedule %s is retired", strom.ErrInvalidState, scheduleID)
	}
	old.Enabled = false
	old.Cancelled = true

	now := time.Now().UTC()
	e := &Entry{
		ID:        id.NewScheduleID(),
		Kind:      KindRecurring,
		Name:      old.Name,
		Spec:      spec,
		JobType:   old.JobType,
		Payload:   old.Payload,
		Enabled:   true,
		NextRun:   sched.Next(now),
		CreatedAt: now,
		schedule:  sched,
		opts:      old.opts,
	}
	s.entries[e.ID] = e
	return e, nil
}

// CancelScheduled deactivates a tracked entry. Accepts a schedule id,
// or for delayed entries the id of the job they created. The entry and
// its fire history stay listed; a delayed entry's pending job is
// withdrawn from its queue. Jobs already created by past recurring
// fires are unaffected.
func (s *Scheduler) CancelScheduled(ctx context.Context, ref id.ID) error {
	s.mu.Lock()
	e, ok := s.entries[ref]
	if !ok {
		for _, cand := range s.entries {
			if !cand.JobID.IsNil() && cand.JobID == ref {
				e, ok = cand, true
				break
			}
		}
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", strom.ErrScheduleNotFound, ref)
	}
	if e.Cancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: schedule %s already cancelled", strom.ErrInvalidState, e.ID)
	}
	e.Cancelled = true
	e.Enabled = false
	jobID := e.JobID
	kind := e.Kind
	if !jobID.IsNil() {
		delete(s.jobSched, jobID)
	}
	s.mu.Unlock()

	if kind == KindDelayed && !jobID.IsNil() {
		if err := s.queues.Cancel(ctx, jobID, ""); err != nil && !queue.IsNotFound(err) {
			// Only queued jobs are withdrawn; one already claimed runs
			// to completion.
			s.logger.Debug("delayed job not cancellable",
				slog.String("schedule_id", e.ID.String()),
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// PauseRecurring disables firing without removing the entry.
func (s *Scheduler) PauseRecurring(_ context.Context, scheduleID id.ScheduleID) error {
	return s.setEnabled(scheduleID, false)
}

// ResumeRecurring re-enables a paused entry and recomputes NextRun so
// missed fires are not replayed.
func (s *Scheduler) ResumeRecurring(_ context.Context, scheduleID id.ScheduleID) error {
	return s.setEnabled(scheduleID, true)
}

func (s *Scheduler) setEnabled(scheduleID id.ScheduleID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return fmt.Errorf("%w: %s", strom.ErrScheduleNotFound, scheduleID)
	}
	if e.Kind != KindRecurring {
		return fmt.Errorf("%w: %s is not a recurring schedule", strom.ErrInvalidArgument, scheduleID)
	}
	if e.Cancelled {
		return fmt.Errorf("%w: schedule %s is cancelled", strom.ErrInvalidState, scheduleID)
	}
	e.Enabled = enabled
	if enabled {
		e.NextRun = e.schedule.Next(time.Now().UTC())
	}
	return nil
}

// Entries returns all tracked entries sorted by next fire time.
func (s *Scheduler) Entries(_ context.Context) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// EntryFilters narrows and pages a ScheduledJobs listing.
type EntryFilters struct {
	Kind     Kind   `json:"kind,omitempty"`
	JobType  string `json:"job_type,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// ScheduledJobs lists tracked entries matching the filters, sorted by
// next fire time, with the same page clamping as queue search (default
// 50, max 100). The second return reports whether more pages follow.
func (s *Scheduler) ScheduledJobs(ctx context.Context, f EntryFilters) ([]*Entry, bool) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	switch {
	case size < 1:
		size = 50
	case size > 100:
		size = 100
	}

	all := s.Entries(ctx)
	matched := make([]*Entry, 0, len(all))
	for _, e := range all {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.JobType != "" && e.JobType != f.JobType {
			continue
		}
		if f.Enabled != nil && e.Enabled != *f.Enabled {
			continue
		}
		matched = append(matched, e)
	}

	start := (page - 1) * size
	if start >= len(matched) {
		return nil, false
	}
	end := min(start+size, len(matched))
	return matched[start:end], end < len(matched)
}

// Entry returns one tracked entry by schedule id.
func (s *Scheduler) Entry(_ context.Context, scheduleID id.ScheduleID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", strom.ErrScheduleNotFound, scheduleID)
	}
	return e, nil
}

// Stats summarizes scheduler activity.
type Stats struct {
	RecurringEntries int         `json:"recurring_entries"`
	ActiveEntries    int         `json:"active_entries"`
	InactiveEntries  int         `json:"inactive_entries"`
	RecurringFires   int64       `json:"recurring_fires"`
	RecurringErrors  int64       `json:"recurring_errors"`
	DelayedScheduled int64       `json:"delayed_scheduled"`
	ChainsActive     int         `json:"chains_active"`
	ChainsCompleted  int         `json:"chains_completed"`
	ChainsFailed     int         `json:"chains_failed"`
	FailureRate      float64     `json:"failure_rate"`
	Upcoming         []time.Time `json:"upcoming"`
}

// Stats returns aggregate scheduling counters, the overall fire failure
// rate, and the next ten upcoming fire times across enabled entries.
func (s *Scheduler) Stats(_ context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		DelayedScheduled: s.delayed,
	}
	upcoming := make([]time.Time, 0, len(s.entries)*10)
	for _, e := range s.entries {
		if e.Kind == KindRecurring {
			st.RecurringEntries++
			st.RecurringFires += e.FireCount
			st.RecurringErrors += e.FailCount
		}
		if e.Enabled {
			st.ActiveEntries++
			// Ten per entry so one fast entry can fill the global top ten.
			upcoming = append(upcoming, e.NextRuns(10)...)
		} else {
			st.InactiveEntries++
		}
	}
	if total := st.RecurringFires + st.RecurringErrors; total > 0 {
		st.FailureRate = float64(st.RecurringErrors) / float64(total)
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Before(upcoming[j]) })
	if len(upcoming) > 10 {
		upcoming = upcoming[:10]
	}
	st.Upcoming = upcoming

	for _, c := range s.chains {
		switch c.State {
		case ChainActive:
			st.ChainsActive++
		case ChainCompleted:
			st.ChainsCompleted++
		case ChainFailed:
			st.ChainsFailed++
		}
	}
	return st
}
