package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/shelltask/internal/log"
	"github.com/CZERTAINLY/shelltask/internal/model"
)

type Supervisor struct {
	runners   []*Runner
	parallel  int
	schedule  *model.Schedule
	uploaders []model.Uploader

	// runners are reused, so RunAll calls are serialized
	mx sync.Mutex
}

// NewSupervisor creates a runner per configured task. Task output is echoed to
// console, reports go to the configured destinations.
func NewSupervisor(ctx context.Context, cfg model.Config, console io.Writer) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runners := make([]*Runner, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		r, err := NewRunner(t, console)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}

	uploaders, err := uploaders(ctx, cfg.Report)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	return &Supervisor{
		runners:   runners,
		parallel:  cfg.Parallel,
		schedule:  cfg.Schedule,
		uploaders: uploaders,
	}, nil
}

// WithUploaders adds report destinations to the configured ones. They are
// closed by Do as well.
func (s *Supervisor) WithUploaders(uploaders ...model.Uploader) *Supervisor {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.uploaders = append(s.uploaders, uploaders...)
	return s
}

// RunAll runs every task once, at most parallel of them at a time, and
// uploads the report. The returned error joins failed tasks and upload
// errors; the report is complete in either case.
func (s *Supervisor) RunAll(ctx context.Context) (Report, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	report := Report{
		ID:      uuid.NewString(),
		Started: time.Now().UTC(),
		Tasks:   make([]TaskReport, len(s.runners)),
	}
	ctx = log.ContextAttrs(ctx, slog.String("report_id", report.ID))
	slog.DebugContext(ctx, "running tasks", "tasks", len(s.runners), "parallel", s.parallel)

	var g errgroup.Group
	if s.parallel > 0 {
		g.SetLimit(s.parallel)
	}
	for i, r := range s.runners {
		g.Go(func() error {
			res, err := r.Run(ctx)
			report.Tasks[i] = TaskReport{Name: r.Name(), Result: res}
			if err != nil {
				report.Tasks[i].Error = err.Error()
				return fmt.Errorf("task %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	waitErr := g.Wait()
	report.Stopped = time.Now().UTC()

	var errs []error
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	for _, t := range report.Tasks {
		if err := t.Err(); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Name, err))
		}
	}

	raw, err := json.Marshal(report)
	if err != nil {
		errs = append(errs, fmt.Errorf("encoding report: %w", err))
	} else if err := s.upload(ctx, raw); err != nil {
		errs = append(errs, fmt.Errorf("uploading report: %w", err))
	}
	return report, errors.Join(errs...)
}

// Do runs the tasks once, or repeatedly according to the schedule until ctx
// is cancelled. Uploaders are closed on return.
//
// Modes:
//   - no schedule: a single RunAll, its error is returned
//   - schedule: errors are only logged; runs never overlap and the first one
//     starts immediately
func (s *Supervisor) Do(ctx context.Context) error {
	defer s.closeUploaders(ctx)

	if s.schedule == nil {
		_, err := s.RunAll(ctx)
		return err
	}

	scheduler, err := newScheduler(ctx, *s.schedule, func() {
		report, err := s.RunAll(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "scheduled run failed", "report_id", report.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule failed: %w", err)
	}

	slog.DebugContext(ctx, "starting a scheduler")
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func (s *Supervisor) upload(ctx context.Context, raw []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfg model.Schedule, runFunc func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := cfg.Interval()
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.every: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
	default:
		return nil, errors.New("both cron and every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(runFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(_ context.Context, cfg *model.Report) ([]model.Uploader, error) {
	if cfg == nil {
		return nil, nil
	}
	var uploaders []model.Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if cfg.URL != "" {
		u, err := NewHTTPUploader(cfg.URL)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := fmt.Fprintf(u.w, "%s\n", raw)
	return err
}

type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, raw []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "shelltask-" + time.Now().Format("2006-01-02-15-04-05.000") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	_, err = f.Write(raw)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
