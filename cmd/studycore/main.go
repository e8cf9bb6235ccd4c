// Command studycore serves the dataset import and child-study provisioning
// engine over HTTP and runs one-off imports and provisioning from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"studycore/internal/adapters/studies"
	"studycore/internal/identity"
	"studycore/internal/importer"
	"studycore/internal/jobs"
	"studycore/internal/logging"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

const usage = `usage: studycore <command> [flags]

commands:
  serve      run the HTTP API
  import     import a tab-delimited file into a dataset
  provision  derive a child study and run its copy job
  jobs       list studies whose provisioning has not completed
`

func cli(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "import":
		return runImport(args[1:], stdin, stdout, stderr)
	case "provision":
		return runProvision(args[1:], stdout, stderr)
	case "jobs":
		return runJobs(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
}

// columnMap collects repeated -map header=column flags.
type columnMap map[string]string

func (m columnMap) String() string { return fmt.Sprint(map[string]string(m)) }

func (m columnMap) Set(v string) error {
	header, column, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(header) == "" {
		return fmt.Errorf("expected header=column, got %q", v)
	}
	m[strings.TrimSpace(header)] = strings.TrimSpace(column)
	return nil
}

func runImport(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config yaml")
	studyID := fs.String("study", "", "study id")
	dataset := fs.String("dataset", "", "dataset id or name")
	file := fs.String("file", "-", "tab-delimited file, - for stdin")
	policy := fs.String("policy", "", "duplicate policy: none|sourceOnly|destinationOnly|sourceAndDestination")
	qc := fs.String("qc", "", "QC state id or label for imported rows")
	mapping := columnMap{}
	fs.Var(mapping, "map", "header=column mapping (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *studyID == "" || *dataset == "" {
		fmt.Fprintln(stderr, "import: -study and -dataset are required")
		return 2
	}
	pol, err := identity.ParsePolicy(*policy)
	if err != nil {
		fmt.Fprintf(stderr, "import: %v\n", err)
		return 2
	}

	var src io.Reader = stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(stderr, "import: %v\n", err)
			return 1
		}
		defer f.Close()
		src = f
	}

	ctx := context.Background()
	a, err := newApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "import: %v\n", err)
		return 1
	}
	defer a.Close()

	req := importer.Request{StudyID: *studyID, Dataset: datasetRef(*dataset), Data: src, ColumnMap: mapping, Policy: pol}
	if *qc != "" {
		req.QCStateID = qc
	}
	outcome, err := a.pipeline.Import(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "import: %v\n", err)
		return 1
	}
	if err := writeIndented(stdout, outcome); err != nil {
		return 1
	}
	if !outcome.Complete {
		return 1
	}
	return 0
}

func runProvision(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config yaml")
	var req domain.ChildStudyRequest
	fs.StringVar(&req.SrcPath, "src", "", "source folder path")
	fs.StringVar(&req.DstPath, "dst", "", "destination folder path")
	fs.StringVar(&req.Mode, "mode", string(domain.CopyModeSnapshot), "snapshot|ancillary|publish")
	fs.StringVar(&req.TimepointType, "timepoint", "", "VISIT|DATE|CONTINUOUS (defaults to the source's)")
	fs.BoolVar(&req.Update, "update", false, "keep a link to the source study")
	fs.StringVar(&req.Label, "label", "", "label of the new study")
	fs.BoolVar(&req.UseAlternateParticipantIDs, "alternate-ids", false, "publish with alternate participant ids")
	timeout := fs.Duration("timeout", 10*time.Minute, "how long to wait for the copy job")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		return 1
	}
	defer a.Close()
	a.worker.Start()
	defer func() { _ = a.worker.Stop(context.Background()) }()

	ack, err := a.provisioner.Provision(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		return 1
	}
	job, err := waitForJob(a.worker, ack.JobID, *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		return 1
	}
	if err := writeIndented(stdout, map[string]any{"ack": ack, "job": job}); err != nil {
		return 1
	}
	if job.Status != jobs.StatusSucceeded {
		return 1
	}
	return 0
}

func waitForJob(w *jobs.Worker, id string, timeout time.Duration) (jobs.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, ok := w.Get(id)
		if !ok {
			return jobs.Job{}, fmt.Errorf("job %s not found", id)
		}
		if job.Status == jobs.StatusSucceeded || job.Status == jobs.StatusFailed {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s after %s", id, job.Status, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func runJobs(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer a.Close()
	incomplete, err := a.provisioner.ListIncomplete(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	if err := writeIndented(stdout, map[string]any{"studies": incomplete}); err != nil {
		return 1
	}
	return 0
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config yaml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	defer a.Close()
	if *addr != "" {
		a.cfg.HTTP.Addr = *addr
	}
	if a.bus != nil {
		if err := a.registry.Listen(ctx); err != nil {
			a.log.Errorw("invalidation listener not started", "error", err)
			return 1
		}
	}
	a.worker.Start()

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", studies.NewHandler(a.pipeline, a.provisioner, a.worker, logging.Component(a.log, "http")))
	mux.Handle("/metrics", a.recorder.Handler())
	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("listening", "addr", a.cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorw("server stopped", "error", err)
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warnw("http shutdown", "error", err)
	}
	if err := a.worker.Stop(shutdownCtx); err != nil {
		a.log.Warnw("worker shutdown", "error", err)
	}
	return 0
}

func datasetRef(raw string) schema.DatasetRef {
	if id, err := strconv.Atoi(raw); err == nil {
		return schema.DatasetRef{ID: id}
	}
	return schema.DatasetRef{Name: raw}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
