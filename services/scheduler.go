package services

import (
	"context"
	"time"

	"attendance_go/services/attendance"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a named periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs maintenance jobs on cron schedules. A job still running when
// its next tick arrives is skipped.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]Job
	log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "scheduler")
	cl := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs: map[string]Job{},
		log:  log,
	}
}

// Add registers job. An empty spec disables it.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.log.WithField("job", job.Name).Info("job disabled")
		return nil
	}
	if _, dup := s.jobs[job.Name]; dup {
		return errors.Errorf("job %q already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
		return errors.Wrapf(err, "invalid schedule %q for job %s", job.Spec, job.Name)
	}
	s.jobs[job.Name] = job
	s.log.WithFields(logrus.Fields{"job": job.Name, "spec": job.Spec}).Info("job scheduled")
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return errors.Errorf("job %q is not registered", name)
	}
	return s.execute(job)
}

func (s *Scheduler) execute(job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	entry := s.log.WithFields(logrus.Fields{"job": job.Name, "duration": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// JobSchedules holds the cron specs for the built-in jobs.
type JobSchedules struct {
	AlertSweep          string
	LogFlush            string
	LogArchive          string
	LogArchiveAfterDays int
}

// Job names.
const (
	JobAlertSweep = "attendance_alert_sweep"
	JobLogFlush   = "activity_log_flush"
	JobLogArchive = "activity_log_archive"
)

// AttendanceJobs builds the daily alert sweep and, when archive is non-nil,
// the activity log maintenance jobs.
func AttendanceJobs(svc *attendance.Service, archive *LogArchiveService, sched JobSchedules) []Job {
	jobs := []Job{{
		Name:    JobAlertSweep,
		Spec:    sched.AlertSweep,
		Timeout: 15 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := svc.SweepAlerts(ctx)
			return err
		},
	}}
	if archive == nil {
		return jobs
	}
	return append(jobs,
		Job{
			Name: JobLogFlush,
			Spec: sched.LogFlush,
			Run: func(ctx context.Context) error {
				_, err := archive.FlushCachedLogsToDatabase(ctx)
				return err
			},
		},
		Job{
			Name:    JobLogArchive,
			Spec:    sched.LogArchive,
			Timeout: 30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := archive.ArchiveOldLogs(ctx, sched.LogArchiveAfterDays)
				return err
			},
		},
	)
}
