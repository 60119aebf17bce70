// Package sync reconciles a local directory of files with the attachments of
// a dataset: missing files are uploaded, stale attachments are replaced and
// unreleased attachments are released.
package sync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/internal/config"
	"github.com/chmdznr/psync/internal/npdc"
	"github.com/chmdznr/psync/pkg/errors"
	"github.com/chmdznr/psync/pkg/models"
)

// Service is the dataset attachment service. *npdc.DatasetClient implements
// it.
type Service interface {
	ListAttachments(ctx context.Context, datasetID string, q npdc.AttachmentQuery) ([]models.Attachment, error)
	UploadAttachment(ctx context.Context, datasetID, filename string, content io.Reader, opts npdc.UploadOptions) (models.Attachment, error)
	UpdateAttachment(ctx context.Context, datasetID, id string, update npdc.AttachmentUpdate) (models.Attachment, error)
	DeleteAttachment(ctx context.Context, datasetID, id string) error
}

// Authenticator opens and closes sessions with the dataset service.
// *npdc.AuthClient implements it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*npdc.Account, error)
	Logout(ctx context.Context, account *npdc.Account) error
}

// ServiceFactory returns a Service acting on behalf of account.
type ServiceFactory func(account *npdc.Account) (Service, error)

// CredentialSource yields the login for the dataset service.
// config.Credentials implements it.
type CredentialSource interface {
	LoadCredentials() (config.Login, error)
}

// Recorder receives every mutation the syncer issues.
type Recorder interface {
	RecordOperation(op models.Operation) error
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	DatasetID      string
	Prefix         string
	Query          string
	LocalDirectory string

	// DryRun logs the plan without issuing mutations.
	DryRun bool
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Prefix:         config.DefaultPrefix,
		LocalDirectory: "./products",
	}
}

// Syncer handles attachment reconciliation for one dataset.
type Syncer struct {
	config   SyncerConfig
	clock    clockwork.Clock
	recorder Recorder
	progress io.Writer
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock replaces the clock used for released dates.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Syncer) { s.clock = clock }
}

// WithRecorder records every mutation.
func WithRecorder(r Recorder) Option {
	return func(s *Syncer) { s.recorder = r }
}

// WithProgress renders a progress bar to w while applying the plan.
func WithProgress(w io.Writer) Option {
	return func(s *Syncer) { s.progress = w }
}

// NewSyncer creates a new syncer instance
func NewSyncer(cfg SyncerConfig, opts ...Option) (*Syncer, error) {
	if cfg.DatasetID == "" {
		return nil, errors.ConfigError{Field: "dataset.id", Err: errors.New("required")}
	}
	if cfg.LocalDirectory == "" {
		return nil, errors.ConfigError{Field: "localDirectory", Err: errors.New("required")}
	}

	s := &Syncer{config: cfg, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// logoutTimeout bounds the logout issued after the run, which runs even if
// the run's context was cancelled.
const logoutTimeout = 10 * time.Second

// Run authenticates, reconciles, and logs out again. Credential and login
// failures abort the run before any attachment is touched.
func (s *Syncer) Run(ctx context.Context, creds CredentialSource, auth Authenticator,
	newService ServiceFactory) (Summary, error) {

	login, err := creds.LoadCredentials()
	if err != nil {
		return Summary{}, err
	}

	account, err := auth.Login(ctx, login.Username, login.Password)
	if err != nil {
		var authErr errors.AuthError
		if !errors.As(err, &authErr) {
			err = errors.AuthError{Err: err}
		}
		return Summary{}, err
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if err := auth.Logout(logoutCtx, account); err != nil {
			log.WithError(err).Warn("Failed to log out of dataset service")
		}
	}()

	service, err := newService(account)
	if err != nil {
		return Summary{}, err
	}
	return s.Sync(ctx, service)
}

// Sync takes a snapshot, plans and applies the plan. The returned error is
// only set for failures that stopped the run; failed mutations are counted in
// the summary.
func (s *Syncer) Sync(ctx context.Context, service Service) (Summary, error) {
	snapshot, err := s.TakeSnapshot(ctx, service)
	if err != nil {
		return Summary{}, err
	}

	log.WithFields(log.Fields{
		"local":  len(snapshot.Local),
		"remote": snapshot.Remote.Len(),
		"prefix": s.config.Prefix,
	}).Info("Took snapshot")

	steps := Plan(snapshot)
	summary := Summary{
		LocalFiles:        len(snapshot.Local),
		RemoteAttachments: snapshot.Remote.Len(),
		DryRun:            s.config.DryRun,
	}

	if s.config.DryRun {
		for _, step := range steps {
			log.WithField("dry-run", true).Info(step.String())
			summary.plan(step)
		}
		return summary, nil
	}

	err = s.Apply(ctx, service, steps, snapshot.TakenAt, &summary)
	return summary, err
}

// Apply executes steps in order. Each mutation is isolated: a failure is
// logged and counted, and the next mutation is attempted. The only exception
// is a failed delete, which skips the upload of the same file so that no
// duplicate attachment is created.
//
// Cancelling ctx stops Apply between steps and between releases, never
// within a mutation: a call already sent to the service runs to completion,
// and a step that started deleting goes on to its upload. Apply returns
// ctx.Err() whenever the context was cancelled, even after the last step.
func (s *Syncer) Apply(ctx context.Context, service Service, steps []Step, now time.Time, summary *Summary) error {
	progress := newApplyProgress(s.progress, len(steps))
	defer progress.finish()

	for _, step := range steps {
		if step.Empty() {
			if step.Reason == ReasonUnreadable {
				summary.Skipped++
			} else {
				summary.Unchanged++
			}
			progress.done()
			continue
		}

		if err := s.applyStep(ctx, service, step, now, summary); err != nil {
			return err
		}
		progress.done()
	}
	return ctx.Err()
}

func (s *Syncer) applyStep(ctx context.Context, service Service, step Step, now time.Time, summary *Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Once a step has started its deletes and upload run to the end on
	// callCtx, so a cancel never leaves a file deleted but not re-uploaded.
	callCtx := context.WithoutCancel(ctx)

	deleteFailed := false
	for _, a := range step.Deletes {
		err := service.DeleteAttachment(callCtx, s.config.DatasetID, a.ID)
		s.record(models.OperationDelete, step.Filename, a.ID, err)
		if err != nil {
			summary.fail(models.OperationDelete, step.Filename, err)
			log.WithError(err).WithFields(log.Fields{
				"file":       step.Filename,
				"attachment": a.ID,
			}).Warn("Failed to delete remote attachment")
			deleteFailed = true
			continue
		}
		summary.Deleted++
		log.WithFields(log.Fields{
			"file":       step.Filename,
			"attachment": a.ID,
		}).Info("Deleted remote attachment")
	}

	if step.Upload {
		if deleteFailed {
			summary.Skipped++
			s.record(models.OperationUpload, step.Filename, "", errSkipped)
			log.WithField("file", step.Filename).Warn("Skipping upload because a delete failed")
		} else {
			s.upload(callCtx, service, step, now, summary)
		}
	}

	for _, a := range step.Releases {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := service.UpdateAttachment(callCtx, s.config.DatasetID, a.ID, npdc.AttachmentUpdate{
			Description: a.Description,
			Filename:    a.Filename,
			Prefix:      s.config.Prefix,
			Released:    &now,
			Title:       a.Title,
		})
		s.record(models.OperationRelease, step.Filename, a.ID, err)
		if err != nil {
			summary.fail(models.OperationRelease, step.Filename, err)
			log.WithError(err).WithField("file", step.Filename).Warn("Failed to update released date")
			continue
		}
		summary.Released++
		log.WithFields(log.Fields{
			"file":       step.Filename,
			"attachment": a.ID,
		}).Info("Updated released date")
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, service Service, step Step, now time.Time, summary *Summary) {
	opts := npdc.UploadOptions{Prefix: s.config.Prefix, Released: &now}
	if len(step.Deletes) > 0 {
		opts.Title = step.Deletes[0].Title
		opts.Description = step.Deletes[0].Description
	}

	created, err := s.uploadFile(ctx, service, step.File, opts)
	s.record(models.OperationUpload, step.Filename, created.ID, err)
	if err != nil {
		summary.fail(models.OperationUpload, step.Filename, err)
		entry := log.WithError(err).WithField("file", step.Filename)
		if created.ID != "" {
			entry.WithField("attachment", created.ID).Warn("Uploaded local file but failed to set its metadata")
			return
		}
		entry.Warn("Failed to upload local file")
		return
	}
	summary.Uploaded++
	log.WithFields(log.Fields{
		"file":       step.Filename,
		"attachment": created.ID,
		"reason":     step.Reason,
	}).Info("Uploaded local file")
}

func (s *Syncer) uploadFile(ctx context.Context, service Service, file *models.LocalFile,
	opts npdc.UploadOptions) (models.Attachment, error) {

	f, err := fs.Open(file.Path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to open file %s: %w", file.Path, err)
	}
	defer f.Close()

	return service.UploadAttachment(ctx, s.config.DatasetID, file.Name, f, opts)
}

var errSkipped = errors.New("skipped")

func (s *Syncer) record(kind, filename, attachmentID string, err error) {
	if s.recorder == nil {
		return
	}

	op := models.Operation{
		Kind:         kind,
		Filename:     filename,
		AttachmentID: attachmentID,
		Status:       models.OperationSucceeded,
		At:           s.clock.Now().UTC(),
	}
	switch {
	case err == errSkipped:
		op.Status = models.OperationSkipped
	case err != nil:
		op.Status = models.OperationFailed
		op.Error = err.Error()
	}

	if err := s.recorder.RecordOperation(op); err != nil {
		log.WithError(err).WithField("file", filename).Warn("Failed to record operation")
	}
}

// applyProgress counts applied steps. A nil applyProgress does nothing.
type applyProgress struct {
	bar *pb.ProgressBar
}

func newApplyProgress(w io.Writer, total int) *applyProgress {
	if w == nil || total == 0 {
		return nil
	}
	bar := pb.New(total)
	bar.SetWriter(w)
	bar.SetTemplate(`Syncing {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
	bar.Start()
	return &applyProgress{bar: bar}
}

func (p *applyProgress) done() {
	if p != nil {
		p.bar.Increment()
	}
}

func (p *applyProgress) finish() {
	if p != nil {
		p.bar.Finish()
	}
}
