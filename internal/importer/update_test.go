package importer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studycore/internal/core"
	"studycore/internal/identity"
	"studycore/internal/infra/persistence/sqlite"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

func TestUpdateRowMovesIdentity(t *testing.T) {
	f := newFixture(t, domain.TimepointVisit, vitals())
	seed := f.run(t, "ParticipantId\tSequenceNum\tPulse\nP1\t1\t60\n")
	created := f.rows(t)[0].CreatedAt

	out, err := f.pipeline.UpdateRow(context.Background(), UpdateRequest{
		StudyID:  f.study.ID,
		Dataset:  schema.DatasetRef{ID: f.def.DatasetID},
		Identity: seed.Identities[0],
		Values:   map[string]any{"SequenceNum": 2.0, "Pulse": 64.0},
	})
	if err != nil || !out.Complete {
		t.Fatalf("update: %v %+v", err, out)
	}
	rows := f.rows(t)
	if len(rows) != 1 || rows[0].Identity == seed.Identities[0] || rows[0].SequenceNum != 2 {
		t.Fatalf("row not moved: %+v", rows)
	}
	if rows[0].Values["Pulse"] != int64(64) || !rows[0].CreatedAt.Equal(created) {
		t.Fatalf("unexpected row %+v", rows[0])
	}
	if !strings.HasSuffix(string(out.Identities[0]), ".2.0000.P1") {
		t.Fatalf("identity %s", out.Identities[0])
	}
}

func TestUpdateRowCollision(t *testing.T) {
	f := newFixture(t, domain.TimepointVisit, vitals())
	seed := f.run(t, "ParticipantId\tSequenceNum\tPulse\nP1\t1\t60\nP1\t2\t61\n")
	out, err := f.pipeline.UpdateRow(context.Background(), UpdateRequest{
		StudyID:  f.study.ID,
		Dataset:  schema.DatasetRef{ID: f.def.DatasetID},
		Identity: seed.Identities[0],
		Values:   map[string]any{"SequenceNum": "2"},
	})
	if err != nil || out.Complete || !strings.Contains(out.Messages[0], "a row in the dataset") {
		t.Fatalf("expected collision, got %v %+v", err, out)
	}
	if len(f.rows(t)) != 2 {
		t.Fatalf("rows changed on rejected update")
	}
}

func TestUpdateRowDropsQCState(t *testing.T) {
	f := newFixture(t, domain.TimepointVisit, vitals())
	var qc domain.QCState
	_, err := f.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		qc, err = tx.CreateQCState(domain.QCState{StudyID: f.study.ID, Label: "Review"})
		return err
	})
	if err != nil {
		t.Fatalf("qc: %v", err)
	}
	seed := f.run(t, "ParticipantId\tSequenceNum\tPulse\nP1\t1\t60\n", func(r *Request) { r.QCStateID = &qc.ID })
	out, err := f.pipeline.UpdateRow(context.Background(), UpdateRequest{
		StudyID:  f.study.ID,
		Dataset:  schema.DatasetRef{ID: f.def.DatasetID},
		Identity: seed.Identities[0],
		Values:   map[string]any{"Weight": 70.0},
	})
	if err != nil || !out.Complete {
		t.Fatalf("update: %v %+v", err, out)
	}
	if rows := f.rows(t); rows[0].QCStateID != nil {
		t.Fatalf("expected qc state cleared, got %v", *rows[0].QCStateID)
	}
}

func TestUpdateRowOnDateStudyRecomputesSequence(t *testing.T) {
	f := newFixture(t, domain.TimepointDate, vitals())
	seed := f.run(t, "ParticipantId\tDate\tPulse\nP1\t2024-01-02\t60\n")
	out, err := f.pipeline.UpdateRow(context.Background(), UpdateRequest{
		StudyID:  f.study.ID,
		Dataset:  schema.DatasetRef{ID: f.def.DatasetID},
		Identity: seed.Identities[0],
		Values:   map[string]any{"Date": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	})
	if err != nil || !out.Complete {
		t.Fatalf("update: %v %+v", err, out)
	}
	if rows := f.rows(t); rows[0].SequenceNum != 20240201 {
		t.Fatalf("sequence = %v", rows[0].SequenceNum)
	}
}

func TestUpdateAndDeleteMissingRow(t *testing.T) {
	f := newFixture(t, domain.TimepointVisit, vitals())
	ref := schema.DatasetRef{ID: f.def.DatasetID}
	out, err := f.pipeline.UpdateRow(context.Background(), UpdateRequest{StudyID: f.study.ID, Dataset: ref, Identity: "nope"})
	if err != nil || out.Complete || out.Messages[0] != "Record not found with identity: nope" {
		t.Fatalf("unexpected update outcome %v %+v", err, out)
	}
	out, err = f.pipeline.DeleteRows(context.Background(), f.study.ID, ref, []domain.Identity{"nope"})
	if err != nil || out.Complete || out.Messages[0] != "Record not found with identity: nope" {
		t.Fatalf("unexpected delete outcome %v %+v", err, out)
	}
}

func TestDeleteRowsRebuildsIndex(t *testing.T) {
	f := newFixture(t, domain.TimepointVisit, vitals())
	seed := f.run(t, "ParticipantId\tSequenceNum\tPulse\nP1\t1\t60\nP2\t1\t61\n")
	out, err := f.pipeline.DeleteRows(context.Background(), f.study.ID, schema.DatasetRef{ID: f.def.DatasetID}, seed.Identities[:1])
	if err != nil || !out.Complete {
		t.Fatalf("delete: %v %+v", err, out)
	}
	_ = f.store.View(context.Background(), func(v domain.TransactionView) error {
		pvs := v.ListParticipantVisits(f.study.ID)
		if len(pvs) != 1 || pvs[0].ParticipantID != "P2" {
			t.Fatalf("unexpected index %+v", pvs)
		}
		return nil
	})
}

func TestUpdateRowKeepsDateKeyIdentityAfterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studycore.db")
	open := func() (*sqlite.Store, *Pipeline) {
		store, err := sqlite.NewStore(path, core.NewDefaultRulesEngine())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		reg, err := schema.NewRegistry(store)
		if err != nil {
			t.Fatalf("registry: %v", err)
		}
		return store, NewPipeline(store, reg, identity.NewEngine("test.local"))
	}

	store, pipeline := open()
	var study domain.Study
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		c, err := tx.CreateContainer(domain.Container{Path: "/lab/labs"})
		if err != nil {
			return err
		}
		study, err = tx.CreateStudy(domain.Study{ContainerID: c.ID, TimepointType: domain.TimepointVisit})
		return err
	})
	if err != nil {
		t.Fatalf("seed study: %v", err)
	}
	reg, err := schema.NewRegistry(store)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Create(context.Background(), domain.DatasetDefinition{
		StudyID:         study.ID,
		DatasetID:       10,
		Name:            "Labs",
		KeyPropertyName: "Drawn",
		Columns: []domain.Column{
			{Name: "Drawn", Type: domain.ColumnDate},
			{Name: "Value", Type: domain.ColumnInt},
		},
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	seed, err := pipeline.Import(context.Background(), Request{
		StudyID: study.ID,
		Dataset: schema.DatasetRef{ID: 10},
		Data:    strings.NewReader("ParticipantId\tSequenceNum\tDrawn\tValue\nP1\t1\t2024-01-05\t3\n"),
	})
	if err != nil || !seed.Complete {
		t.Fatalf("import: %v %+v", err, seed)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, pipeline = open()
	defer store.Close()
	out, err := pipeline.UpdateRow(context.Background(), UpdateRequest{
		StudyID:  study.ID,
		Dataset:  schema.DatasetRef{ID: 10},
		Identity: seed.Identities[0],
		Values:   map[string]any{"Value": "4"},
	})
	if err != nil || !out.Complete {
		t.Fatalf("update: %v %+v", err, out)
	}
	if out.Identities[0] != seed.Identities[0] {
		t.Fatalf("identity changed with an unchanged key:\n before %s\n after  %s", seed.Identities[0], out.Identities[0])
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		row, ok := v.FindRow(study.ID, 10, seed.Identities[0])
		if !ok || row.Values["Value"] != int64(4) || row.Values["Drawn"] != time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC) {
			t.Fatalf("updated row not stored: %+v", row)
		}
		return nil
	})
}
