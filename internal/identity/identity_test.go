package identity

import (
	"testing"
	"time"

	"studycore/pkg/domain"
)

func TestComputeFormatAndKeyOrder(t *testing.T) {
	e := NewEngine("labkey.test")
	scope := Scope{Container: "c1"}
	keys := map[string]any{"Zeta": "z", "Alpha": 7, "Skip": nil}
	got := e.Compute(scope, 5001, keys, "P100", AtSequence(2))
	want := domain.Identity("urn:lsid:labkey.test:Study.Data-c1:5001.2.0000.P100.7.z")
	if got != want {
		t.Fatalf("identity mismatch:\n got %s\nwant %s", got, want)
	}
	for i := 0; i < 20; i++ {
		if again := e.Compute(scope, 5001, map[string]any{"Alpha": 7, "Zeta": "z"}, "P100", AtSequence(2)); again != want {
			t.Fatalf("identity not deterministic: %s", again)
		}
	}
}

func TestComputeVisitSegments(t *testing.T) {
	e := NewEngine("")
	d := time.Date(2024, 1, 5, 13, 0, 0, 0, time.UTC)
	cases := []struct {
		visit VisitRef
		want  domain.Identity
	}{
		{OnDate(d), "urn:lsid:studycore.local:Study.Data-c:1.20240105.P1"},
		{AtSequence(1.5), "urn:lsid:studycore.local:Study.Data-c:1.1.5000.P1"},
		{VisitRef{}, "urn:lsid:studycore.local:Study.Data-c:1.demographic.P1"},
	}
	for _, tc := range cases {
		if got := e.Compute(Scope{Container: "c"}, 1, nil, "P1", tc.visit); got != tc.want {
			t.Errorf("got %s want %s", got, tc.want)
		}
	}
}

func TestChangedKeyYieldsNewIdentity(t *testing.T) {
	e := NewEngine("a")
	s := Scope{Container: "c"}
	before := e.Compute(s, 1, map[string]any{"Seq": 1}, "P1", AtSequence(1))
	after := e.Compute(s, 1, map[string]any{"Seq": 2}, "P1", AtSequence(1))
	if before == after {
		t.Fatalf("expected key change to change identity")
	}
}

func TestVisitForTimepointModels(t *testing.T) {
	d := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	plain := domain.DatasetDefinition{}
	demo := domain.DatasetDefinition{Demographic: true}
	if v := VisitFor(plain, domain.TimepointVisit, 3, &d); v.Sequence == nil || *v.Sequence != 3 || v.Date != nil {
		t.Fatalf("visit study should use sequence: %+v", v)
	}
	if v := VisitFor(plain, domain.TimepointDate, 3, &d); v.Date == nil {
		t.Fatalf("date study should use date")
	}
	if v := VisitFor(demo, domain.TimepointDate, 0, &d); v.Date != nil || v.Sequence != nil {
		t.Fatalf("demographic rows carry no visit")
	}
	if SequenceFromDate(d) != 20231231 {
		t.Fatalf("unexpected date sequence %v", SequenceFromDate(d))
	}
}

func TestCheckDuplicatesMatrix(t *testing.T) {
	cases := []struct {
		policy           DuplicatePolicy
		inBatch, inStore bool
		want             Collision
	}{
		{PolicyNone, true, true, CollisionNone},
		{PolicySourceOnly, true, true, CollisionSource},
		{PolicySourceOnly, false, true, CollisionNone},
		{PolicyDestinationOnly, true, true, CollisionDestination},
		{PolicyDestinationOnly, true, false, CollisionNone},
		{PolicySourceAndDestination, true, false, CollisionSource},
		{PolicySourceAndDestination, false, true, CollisionDestination},
		{PolicySourceAndDestination, true, true, CollisionBoth},
		{PolicySourceAndDestination, false, false, CollisionNone},
	}
	for _, tc := range cases {
		if got := CheckDuplicates(tc.policy, tc.inBatch, tc.inStore); got != tc.want {
			t.Errorf("%s batch=%v store=%v: got %s want %s", tc.policy, tc.inBatch, tc.inStore, got, tc.want)
		}
	}
	if CollisionBoth.Reason() == CollisionSource.Reason() || CollisionDestination.Reason() == "" {
		t.Fatalf("reasons must distinguish collisions")
	}
}

func TestTrackerRecordsFirstRow(t *testing.T) {
	tr := NewTracker()
	if c := tr.Check("a", 1, PolicySourceOnly, false); c != CollisionNone {
		t.Fatalf("first sighting should not collide")
	}
	if c := tr.Check("a", 3, PolicySourceOnly, false); c != CollisionSource {
		t.Fatalf("second sighting should collide, got %s", c)
	}
	if row, ok := tr.FirstRow("a"); !ok || row != 1 || tr.Len() != 1 {
		t.Fatalf("unexpected tracker state row=%d ok=%v len=%d", row, ok, tr.Len())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicySourceOnly {
		t.Fatalf("default policy: %v %v", p, err)
	}
	if p, err := ParsePolicy("SOURCEANDDESTINATION"); err != nil || p != PolicySourceAndDestination {
		t.Fatalf("case-insensitive parse: %v %v", p, err)
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveColumnAliases(t *testing.T) {
	got := ResolveColumnAliases(map[string]string{"When": "Visit Date", "PTID": "ParticipantId"}, domain.TimepointDate)
	if got["when"] != "Date" || got["ptid"] != "ParticipantId" || got["visit date"] != "Date" {
		t.Fatalf("unexpected aliases %v", got)
	}
	visit := ResolveColumnAliases(map[string]string{"When": "Visit Date"}, domain.TimepointVisit)
	if visit["when"] != "Visit Date" {
		t.Fatalf("visit-based studies keep mappings verbatim: %v", visit)
	}
	if _, ok := visit["visit date"]; ok {
		t.Fatalf("visit-based studies get no alias")
	}
}

func TestKeyColumnsRestoresReloadedValues(t *testing.T) {
	def := domain.DatasetDefinition{
		KeyPropertyName: "Drawn",
		Columns: []domain.Column{
			{Name: "Drawn", Type: domain.ColumnDate},
			{Name: "Value", Type: domain.ColumnInt},
		},
	}
	e := NewEngine("test.local")
	scope := Scope{Container: "c1"}
	drawn := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	fresh := e.Compute(scope, 10, KeyColumns(def, map[string]any{"Drawn": drawn}), "P1", AtSequence(1))
	reloaded := e.Compute(scope, 10, KeyColumns(def, map[string]any{"Drawn": "2024-01-05T00:00:00Z"}), "P1", AtSequence(1))
	if fresh != reloaded {
		t.Fatalf("reloaded key changed identity:\n fresh    %s\n reloaded %s", fresh, reloaded)
	}
	if len(KeyColumns(domain.DatasetDefinition{}, map[string]any{"Drawn": drawn})) != 0 {
		t.Fatalf("definitions without a key have no key columns")
	}

	values := map[string]any{"Drawn": "2024-01-05", "Value": 3.0, "Note": "x"}
	RestoreValues(def, values)
	if values["Drawn"] != drawn || values["Value"] != int64(3) || values["Note"] != "x" {
		t.Fatalf("unexpected restored values %#v", values)
	}
	if got := RestoreValue(domain.ColumnInt, 2.5); got != 2.5 {
		t.Fatalf("fractional ints are left alone, got %v", got)
	}
}
