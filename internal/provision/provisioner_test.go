package provision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"studycore/internal/core"
	"studycore/internal/identity"
	"studycore/internal/infra/persistence/memory"
	"studycore/internal/jobs"
	"studycore/pkg/domain"
)

type recordingQueue struct {
	jobs []CopyJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, payload any) (jobs.Job, error) {
	if q.err != nil {
		return jobs.Job{}, q.err
	}
	cj, ok := payload.(CopyJob)
	if !ok || kind != JobKindCopy {
		return jobs.Job{}, errors.New("unexpected job")
	}
	q.jobs = append(q.jobs, cj)
	return jobs.Job{ID: "job-1", Kind: kind, Status: jobs.StatusQueued}, nil
}

type source struct {
	store  *memory.Store
	study  domain.Study
	visit  domain.Visit
	cohort domain.Cohort
	qc     domain.QCState
}

// seedSource builds /lab/src: visits 1 and 2, two cohorts, participants
// P1 (cohort A) and P2 (cohort B), a Vitals dataset with one row per
// participant per visit and a Demographics dataset.
func seedSource(t *testing.T, tp domain.TimepointType) source {
	t.Helper()
	store := memory.NewStore(core.NewDefaultRulesEngine())
	engine := identity.NewEngine("test.local")
	var s source
	s.store = store
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		c, err := tx.CreateContainer(domain.Container{Path: "/lab/src"})
		if err != nil {
			return err
		}
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		study, err := tx.CreateStudy(domain.Study{
			ContainerID: c.ID, Label: "Source", TimepointType: tp, StartDate: &start,
			SubjectNounSingular: "Mouse", SubjectNounPlural: "Mice", SubjectColumnName: "MouseId",
		})
		if err != nil {
			return err
		}
		s.qc, err = tx.CreateQCState(domain.QCState{StudyID: study.ID, Label: "Clean"})
		if err != nil {
			return err
		}
		s.visit, err = tx.CreateVisit(domain.Visit{StudyID: study.ID, Label: "One", SequenceMin: 1, SequenceMax: 1.9})
		if err != nil {
			return err
		}
		if _, err := tx.CreateVisit(domain.Visit{StudyID: study.ID, Label: "Two", SequenceMin: 2, SequenceMax: 2.9}); err != nil {
			return err
		}
		s.cohort, err = tx.CreateCohort(domain.Cohort{StudyID: study.ID, Label: "A"})
		if err != nil {
			return err
		}
		other, err := tx.CreateCohort(domain.Cohort{StudyID: study.ID, Label: "B"})
		if err != nil {
			return err
		}
		if _, err := tx.UpsertParticipant(domain.Participant{StudyID: study.ID, ParticipantID: "P1", CohortID: &s.cohort.ID}); err != nil {
			return err
		}
		if _, err := tx.UpsertParticipant(domain.Participant{StudyID: study.ID, ParticipantID: "P2", CohortID: &other.ID}); err != nil {
			return err
		}
		vitals, err := tx.CreateDataset(domain.DatasetDefinition{StudyID: study.ID, DatasetID: 10, Name: "Vitals", Columns: []domain.Column{{Name: "Pulse", Type: domain.ColumnInt}}})
		if err != nil {
			return err
		}
		demo, err := tx.CreateDataset(domain.DatasetDefinition{StudyID: study.ID, DatasetID: 20, Name: "Demographics", Demographic: true, Columns: []domain.Column{{Name: "Sex", Type: domain.ColumnString}}})
		if err != nil {
			return err
		}
		scope := identity.Scope{Container: c.ID}
		for _, ptid := range []string{"P1", "P2"} {
			for _, seq := range []float64{1, 2} {
				qc := s.qc.ID
				row := domain.Row{StudyID: study.ID, DatasetID: 10, ParticipantID: ptid, SequenceNum: seq, QCStateID: &qc, Values: map[string]any{"Pulse": int64(60)}}
				row.Identity = engine.Compute(scope, 10, nil, ptid, identity.AtSequence(seq))
				if _, err := tx.InsertRow(row); err != nil {
					return err
				}
			}
			row := domain.Row{StudyID: study.ID, DatasetID: 20, ParticipantID: ptid, Values: map[string]any{"Sex": "F"}}
			row.Identity = engine.Compute(scope, 20, nil, ptid, identity.VisitFor(demo, tp, 0, nil))
			if _, err := tx.InsertRow(row); err != nil {
				return err
			}
		}
		idx := []domain.ParticipantVisit{}
		for _, ptid := range []string{"P1", "P2"} {
			for _, seq := range []float64{1, 2} {
				pv := domain.ParticipantVisit{StudyID: study.ID, DatasetID: vitals.DatasetID, ParticipantID: ptid, SequenceNum: seq}
				if seq == 1 {
					id := s.visit.ID
					pv.VisitID = &id
				}
				idx = append(idx, pv)
			}
		}
		s.study = study
		return tx.ReplaceParticipantVisits(study.ID, vitals.DatasetID, idx)
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return s
}

func TestProvisionCreatesMinimalStudyAndQueuesCopy(t *testing.T) {
	src := seedSource(t, domain.TimepointVisit)
	queue := &recordingQueue{}
	p := NewProvisioner(src.store, queue)

	ack, err := p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "lab/child/", Mode: "ancillary"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !ack.Success || ack.Redirect != "/lab/child/study/begin" || ack.JobID != "job-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if len(queue.jobs) != 1 || !queue.jobs[0].DestinationCreated || queue.jobs[0].SourceStudyID != src.study.ID {
		t.Fatalf("unexpected queued jobs %+v", queue.jobs)
	}
	_ = src.store.View(context.Background(), func(v domain.TransactionView) error {
		study, ok := v.FindStudy(ack.StudyID)
		if !ok {
			t.Fatalf("destination study missing")
		}
		if study.Status != domain.StudyStatusProvisioning || study.Label != "" || study.StartDate != nil {
			t.Fatalf("study should carry only the minimal attributes: %+v", study)
		}
		if study.SubjectColumnName != "MouseId" || study.SubjectNounSingular != "Mouse" || study.TimepointType != domain.TimepointVisit {
			t.Fatalf("required attributes missing: %+v", study)
		}
		if study.SourceStudyID == nil || *study.SourceStudyID != src.study.ID {
			t.Fatalf("ancillary study should link its source")
		}
		return nil
	})

	incomplete, err := p.ListIncomplete(context.Background())
	if err != nil || len(incomplete) != 1 || incomplete[0].ID != ack.StudyID {
		t.Fatalf("expected the new study to be incomplete: %v %+v", err, incomplete)
	}
}

func TestProvisionSnapshotDoesNotLinkSource(t *testing.T) {
	src := seedSource(t, domain.TimepointVisit)
	p := NewProvisioner(src.store, &recordingQueue{})
	ack, err := p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/snap", Mode: "snapshot"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	_ = src.store.View(context.Background(), func(v domain.TransactionView) error {
		if study, _ := v.FindStudy(ack.StudyID); study.SourceStudyID != nil {
			t.Fatalf("snapshot should not link its source")
		}
		return nil
	})
}

func TestProvisionIntoOccupiedDestinationCreatesNothing(t *testing.T) {
	src := seedSource(t, domain.TimepointVisit)
	queue := &recordingQueue{}
	p := NewProvisioner(src.store, queue)
	before := countContainers(t, src.store)

	_, err := p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/src/", Mode: "snapshot"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	_, err = p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/dst", Mode: "snapshot"})
	if err != nil {
		t.Fatalf("first child: %v", err)
	}
	before = countContainers(t, src.store)
	_, err = p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/dst", Mode: "snapshot"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Messages()) != 1 {
		t.Fatalf("expected one aggregated message, got %v", err)
	}
	if !strings.Contains(err.Error(), "already exists") || err.Error() != "A study already exists in the destination folder '/lab/dst'." {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if after := countContainers(t, src.store); after != before {
		t.Fatalf("containers changed: %d -> %d", before, after)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("no job may be queued on failure, got %d", len(queue.jobs))
	}
}

func TestProvisionAggregatesFailuresInOrder(t *testing.T) {
	src := seedSource(t, domain.TimepointVisit)
	p := NewProvisioner(src.store, &recordingQueue{})
	_, err := p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/x", Mode: "clone", TimepointType: "DATE"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := []string{
		"Unknown copy mode 'clone'.",
		"Cannot derive a DATE study from a VISIT study: cannot change timepoint type from VISIT to DATE",
	}
	if got := verr.Messages(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("messages = %q", got)
	}
	if !errors.Is(err, domain.ErrIncompatibleTimepointModel) {
		t.Fatalf("transition failure should match ErrIncompatibleTimepointModel")
	}
	if err.Error() != strings.Join(want, "\n") {
		t.Fatalf("error text = %q", err.Error())
	}

	_, err = p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/nowhere", Mode: "snapshot"})
	if !errors.As(err, &verr) || verr.Messages()[0] != "Source folder '/nowhere' does not exist." || verr.Messages()[1] != "Destination folder is required." {
		t.Fatalf("unexpected %v", err)
	}
}

func TestProvisionQueueFailureLeavesStudyProvisioning(t *testing.T) {
	src := seedSource(t, domain.TimepointVisit)
	p := NewProvisioner(src.store, &recordingQueue{err: jobs.ErrQueueFull})
	ack, err := p.Provision(context.Background(), domain.ChildStudyRequest{SrcPath: "/lab/src", DstPath: "/lab/late", Mode: "snapshot"})
	if !errors.Is(err, jobs.ErrQueueFull) || ack.Success || ack.StudyID == "" {
		t.Fatalf("unexpected %v %+v", err, ack)
	}
	incomplete, _ := p.ListIncomplete(context.Background())
	if len(incomplete) != 1 || incomplete[0].Status != domain.StudyStatusProvisioning {
		t.Fatalf("expected retained provisioning study, got %+v", incomplete)
	}
}

func countContainers(t *testing.T, store *memory.Store) int {
	t.Helper()
	n := 0
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		n = len(v.ListContainers())
		return nil
	})
	return n
}
