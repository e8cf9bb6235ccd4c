package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"studycore/internal/core"
	"studycore/internal/infra/persistence/sqlite"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

// seedDatabase creates /lab/src with a Vitals dataset (5001) in a fresh
// sqlite file and points the CLI at it through the environment.
func seedDatabase(t *testing.T) domain.Study {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "studycore.db")
	store, err := sqlite.NewStore(path, core.NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite: %v", err)
		}
	}()

	var study domain.Study
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		c, err := tx.CreateContainer(domain.Container{Path: "/lab/src"})
		if err != nil {
			return err
		}
		study, err = tx.CreateStudy(domain.Study{ContainerID: c.ID, Label: "Source", TimepointType: domain.TimepointVisit})
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
		StudyID:   study.ID,
		DatasetID: 5001,
		Name:      "Vitals",
		Columns:   []domain.Column{{Name: "Pulse", Type: domain.ColumnInt, Required: true}},
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	t.Setenv("STUDYCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("STUDYCORE_SQLITE_PATH", path)
	t.Setenv("STUDYCORE_BLOB_DRIVER", "memory")
	t.Setenv("STUDYCORE_LOG_LEVEL", "error")
	return study
}

func writeTSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.tsv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write tsv: %v", err)
	}
	return path
}

func TestCLIUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(nil, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 without a command, got %d", code)
	}
	if !strings.Contains(stderr.String(), "usage: studycore") {
		t.Fatalf("expected usage text, got %q", stderr.String())
	}
	stderr.Reset()
	if code := cli([]string{"bogus"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
	if code := cli([]string{"help"}, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("help should succeed, got %d", code)
	}
}

func TestImportFlagValidation(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"import", "-dataset", "Vitals"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("missing -study should exit 2, got %d", code)
	}
	stderr.Reset()
	if code := cli([]string{"import", "-study", "s", "-dataset", "1", "-policy", "sometimes"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("bad policy should exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown duplicate policy") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	if code := cli([]string{"import", "-map", "no-equals"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("bad -map should exit 2, got %d", code)
	}
}

func TestImportFromFileAndStdin(t *testing.T) {
	study := seedDatabase(t)

	var stdout, stderr bytes.Buffer
	file := writeTSV(t, "Subject\tSequenceNum\tPulse\nP1\t1\t60\nP2\t1\t72\n")
	args := []string{"import", "-study", study.ID, "-dataset", "5001", "-file", file, "-map", "Subject=ParticipantId"}
	if code := cli(args, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("import exit %d: stdout=%s stderr=%s", code, stdout.String(), stderr.String())
	}
	var outcome domain.ImportOutcome
	if err := json.Unmarshal(stdout.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Complete || len(outcome.Identities) != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	// the second batch repeats P1/1 within itself and is rejected as a whole
	stdout.Reset()
	stdin := strings.NewReader("ParticipantId\tSequenceNum\tPulse\nP3\t1\t60\nP3\t1\t61\n")
	if code := cli([]string{"import", "-study", study.ID, "-dataset", "Vitals"}, stdin, &stdout, &stderr); code != 1 {
		t.Fatalf("duplicate batch should exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "is a duplicate of a row in the imported data") {
		t.Fatalf("expected duplicate message, got %s", stdout.String())
	}
}

func TestProvisionRunsCopyJob(t *testing.T) {
	study := seedDatabase(t)
	var stdout, stderr bytes.Buffer
	file := writeTSV(t, "ParticipantId\tSequenceNum\tPulse\nP1\t1\t60\n")
	if code := cli([]string{"import", "-study", study.ID, "-dataset", "5001", "-file", file}, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("seed import exit %d: %s", code, stderr.String())
	}

	stdout.Reset()
	args := []string{"provision", "-src", "/lab/src", "-dst", "/lab/child", "-mode", "snapshot", "-label", "Child", "-timeout", "30s"}
	if code := cli(args, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("provision exit %d: stdout=%s stderr=%s", code, stdout.String(), stderr.String())
	}
	var result struct {
		Ack struct {
			Success  bool   `json:"success"`
			Redirect string `json:"redirect"`
		} `json:"ack"`
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("decode provision output: %v", err)
	}
	if !result.Ack.Success || result.Job.Status != "succeeded" {
		t.Fatalf("unexpected provision result %s", stdout.String())
	}

	stdout.Reset()
	if code := cli([]string{"jobs"}, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("jobs exit %d: %s", code, stderr.String())
	}
	var listing struct {
		Studies []domain.Study `json:"studies"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &listing); err != nil {
		t.Fatalf("decode jobs output: %v", err)
	}
	if len(listing.Studies) != 0 {
		t.Fatalf("expected no incomplete studies after a finished copy, got %+v", listing.Studies)
	}
}

func TestProvisionValidationFailure(t *testing.T) {
	seedDatabase(t)
	var stdout, stderr bytes.Buffer
	args := []string{"provision", "-src", "/lab/src", "-dst", "/lab/src", "-mode", "bogus"}
	if code := cli(args, strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	msg := stderr.String()
	if !strings.Contains(msg, "Destination folder must differ from the source folder.") || !strings.Contains(msg, "Unknown copy mode 'bogus'.") {
		t.Fatalf("expected aggregated validation messages, got %q", msg)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	origExit, origArgs := exitFunc, os.Args
	defer func() { exitFunc, os.Args = origExit, origArgs }()
	var code int
	exitFunc = func(c int) { code = c }
	os.Args = []string{"studycore", "bogus"}
	main()
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}
