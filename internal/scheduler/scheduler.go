// Package scheduler запускает конвейеры биллинга по cron-расписанию.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// MonthlySpec — полночь первого числа каждого месяца (с секундами).
const MonthlySpec = "0 0 0 1 * *"

// Job описывает задачу расписания.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler оборачивает cron.Cron; запуск задачи пропускается, если
// предыдущий ещё не завершился.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Entry

	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
}

// Option настраивает Scheduler.
type Option func(*config)

type config struct {
	logger   *log.Entry
	location *time.Location
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *config) { c.logger = logger }
}

// WithLocation задаёт часовой пояс расписания.
func WithLocation(loc *time.Location) Option {
	return func(c *config) { c.location = loc }
}

// New создаёт планировщик с парсером, поддерживающим секунды.
func New(opts ...Option) *Scheduler {
	cfg := config{location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "scheduler")
	}

	cronLogger := cronLogAdapter{entry: cfg.logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(cfg.location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  cfg.logger,
		entries: make(map[string]cron.EntryID),
		baseCtx: context.Background(),
	}
}

// Register добавляет задачу. Имена задач уникальны.
func (s *Scheduler) Register(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	spec := job.Spec
	if spec == "" {
		spec = MonthlySpec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	logger := s.logger.WithField("job", job.Name)
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()

		start := time.Now()
		logger.Info("scheduled job started")
		if err := job.Run(ctx); err != nil {
			logger.WithError(err).Error("scheduled job failed")
			return
		}
		logger.WithField("duration", time.Since(start)).Info("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("schedule job %q with spec %q: %w", job.Name, spec, err)
	}
	s.entries[job.Name] = id
	return nil
}

// Next возвращает время следующего запуска задачи.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}

// Run запускает планировщик и блокируется до отмены ctx, затем ждёт
// завершения выполняющихся задач.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.WithField("jobs", len(s.entries)).Info("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogAdapter пишет события cron в logrus.
type cronLogAdapter struct {
	entry *log.Entry
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.entry.WithError(err).WithFields(toFields(keysAndValues)).Error(msg)
}

func toFields(keysAndValues []interface{}) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
