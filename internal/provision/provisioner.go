// Package provision derives child studies from a source study in two phases:
// a short synchronous transaction that persists the minimal destination
// study, and an asynchronous copy job that fills it in.
package provision

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"studycore/internal/jobs"
	"studycore/internal/observability"
	"studycore/pkg/domain"
)

// JobKindCopy names the asynchronous copy job.
const JobKindCopy = "child_study_copy"

// Phase is one state of a provisioning request.
type Phase string

const (
	PhaseValidating    Phase = "validating"
	PhaseMinimalCreate Phase = "minimal_create"
	PhaseQueued        Phase = "queued"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// JobQueue accepts copy jobs. The queue is expected to run at most one job
// per destination; the provisioner does not deduplicate submissions.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (jobs.Job, error)
}

// CopyJob is the payload handed to the job queue.
type CopyJob struct {
	DestinationContainerID string                   `json:"destinationContainerId"`
	DestinationStudyID     string                   `json:"destinationStudyId"`
	SourceStudyID          string                   `json:"sourceStudyId"`
	Request                domain.ChildStudyRequest `json:"request"`
	DestinationCreated     bool                     `json:"destinationCreated"`
}

// Ack acknowledges an accepted request. The copy runs after it is returned.
type Ack struct {
	Success  bool   `json:"success"`
	Redirect string `json:"redirect"`
	StudyID  string `json:"studyId,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

// Provisioner validates child-study requests, persists the minimal
// destination study and queues the copy.
type Provisioner struct {
	store    domain.PersistentStore
	queue    JobQueue
	log      *zap.SugaredLogger
	recorder observability.Recorder
}

// Option customises a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the provisioner logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(p *Provisioner) { p.log = log } }

// WithRecorder records provisioning metrics.
func WithRecorder(rec observability.Recorder) Option {
	return func(p *Provisioner) { p.recorder = rec }
}

// NewProvisioner wires a provisioner over store and queue.
func NewProvisioner(store domain.PersistentStore, queue JobQueue, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:    store,
		queue:    queue,
		log:      zap.NewNop().Sugar(),
		recorder: observability.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// plan is the validated form of a request.
type plan struct {
	source        domain.Study
	dstPath       string
	mode          domain.CopyMode
	timepointType domain.TimepointType
}

// Provision validates req, creates the destination study with status
// provisioning and queues the copy. Validation failures come back as one
// *domain.ValidationError; nothing is created in that case. A queue failure
// leaves the minimal study in place and is returned as an error.
func (p *Provisioner) Provision(ctx context.Context, req domain.ChildStudyRequest) (Ack, error) {
	timer := observability.Start(p.recorder, "provision")
	ack, err := p.provision(ctx, req)
	timer.Done(ctx, err)
	return ack, err
}

func (p *Provisioner) provision(ctx context.Context, req domain.ChildStudyRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	p.phase(PhaseValidating, req)
	var pl plan
	if err := p.store.View(ctx, func(v domain.TransactionView) error {
		var verr error
		pl, verr = validate(v, req)
		return verr
	}); err != nil {
		p.phase(PhaseFailed, req)
		return Ack{}, domain.WrapUnexpected("validate child study", err)
	}

	p.phase(PhaseMinimalCreate, req)
	var job CopyJob
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var created bool
		container, ok := tx.FindContainerByPath(pl.dstPath)
		if !ok {
			c, err := tx.CreateContainer(domain.Container{Path: pl.dstPath})
			if err != nil {
				return err
			}
			container, created = c, true
		}
		if _, taken := tx.FindStudyByContainer(container.ID); taken {
			var verr domain.ValidationError
			verr.Append(alreadyExists(pl.dstPath))
			return &verr
		}
		study := domain.Study{
			ContainerID:         container.ID,
			TimepointType:       pl.timepointType,
			SubjectNounSingular: pl.source.SubjectNounSingular,
			SubjectNounPlural:   pl.source.SubjectNounPlural,
			SubjectColumnName:   pl.source.SubjectColumnName,
			Status:              domain.StudyStatusProvisioning,
		}
		if req.LinksSource() {
			src := pl.source.ID
			study.SourceStudyID = &src
		}
		saved, err := tx.CreateStudy(study)
		if err != nil {
			return err
		}
		job = CopyJob{
			DestinationContainerID: container.ID,
			DestinationStudyID:     saved.ID,
			SourceStudyID:          pl.source.ID,
			Request:                req,
			DestinationCreated:     created,
		}
		return nil
	})
	if err != nil {
		p.phase(PhaseFailed, req)
		return Ack{}, domain.WrapUnexpected("create child study", err)
	}

	queued, err := p.queue.Enqueue(ctx, JobKindCopy, job)
	if err != nil {
		p.log.Errorw("copy job not queued; study left provisioning", "study", job.DestinationStudyID, "dst", pl.dstPath, "error", err)
		return Ack{StudyID: job.DestinationStudyID}, fmt.Errorf("queue copy job for %s: %w", pl.dstPath, err)
	}
	p.phase(PhaseQueued, req, "study", job.DestinationStudyID, "job", queued.ID)
	return Ack{
		Success:  true,
		Redirect: pl.dstPath + "/study/begin",
		StudyID:  job.DestinationStudyID,
		JobID:    queued.ID,
	}, nil
}

func (p *Provisioner) phase(ph Phase, req domain.ChildStudyRequest, kv ...any) {
	p.log.Debugw("provision phase", append([]any{"phase", string(ph), "src", req.SrcPath, "dst", req.DstPath}, kv...)...)
}

// validate collects source, destination, mode and timepoint problems in that
// order.
func validate(v domain.TransactionView, req domain.ChildStudyRequest) (plan, error) {
	var verr domain.ValidationError
	var pl plan
	var sourceOK bool

	srcPath := normalizePath(req.SrcPath)
	if strings.TrimSpace(req.SrcPath) == "" {
		verr.Appendf("Source folder is required.")
	} else if c, ok := v.FindContainerByPath(srcPath); !ok {
		verr.Appendf("Source folder '%s' does not exist.", srcPath)
	} else if s, ok := v.FindStudyByContainer(c.ID); !ok {
		verr.Appendf("Source folder '%s' does not contain a study.", srcPath)
	} else {
		pl.source, sourceOK = s, true
	}

	pl.dstPath = normalizePath(req.DstPath)
	if strings.TrimSpace(req.DstPath) == "" || pl.dstPath == "/" {
		verr.Appendf("Destination folder is required.")
	} else if pl.dstPath == srcPath {
		verr.Appendf("Destination folder must differ from the source folder.")
	} else if c, ok := v.FindContainerByPath(pl.dstPath); ok {
		if _, taken := v.FindStudyByContainer(c.ID); taken {
			verr.Append(alreadyExists(pl.dstPath))
		}
	}

	mode, err := domain.ParseCopyMode(req.Mode)
	if err != nil {
		verr.Append(err)
	}
	pl.mode = mode

	if strings.TrimSpace(req.TimepointType) != "" {
		tp, err := domain.ParseTimepointType(req.TimepointType)
		switch {
		case err != nil:
			verr.Appendf("Unknown timepoint type '%s'.", req.TimepointType)
		case sourceOK:
			if err := domain.ValidateTransition(pl.source.TimepointType, tp); err != nil {
				verr.Append(fmt.Errorf("Cannot derive a %s study from a %s study: %w", tp, pl.source.TimepointType, err))
			}
		}
		pl.timepointType = tp
	} else if sourceOK {
		pl.timepointType = pl.source.TimepointType
	}
	return pl, verr.Err()
}

func alreadyExists(path string) error {
	return fmt.Errorf("A study already exists in the destination folder '%s'.", path)
}

func normalizePath(path string) string {
	return "/" + strings.Trim(strings.TrimSpace(path), "/")
}

// ListIncomplete returns studies that are still provisioning or whose copy
// failed. They are never removed automatically.
func (p *Provisioner) ListIncomplete(ctx context.Context) ([]domain.Study, error) {
	var out []domain.Study
	err := p.store.View(ctx, func(v domain.TransactionView) error {
		for _, s := range v.ListStudies() {
			if s.Status == domain.StudyStatusProvisioning || s.Status == domain.StudyStatusFailed {
				out = append(out, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapUnexpected("list incomplete studies", err)
	}
	return out, nil
}
