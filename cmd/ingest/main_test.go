package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/config"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/db"
	"github.com/ehr/ingest/internal/platform/jobs"
)

var bhrutFiles = map[string]string{
	"BHRUT_PMI.csv": "PAS_ID,NHS_NUMBER,FORENAME,SURNAME,BIRTH_DTTM,DEATH_DTTM,GENDER_CODE,ADDRESS1,ADDRESS2,ADDRESS3,ADDRESS4,POSTCODE,HOME_PHONE,MOBILE_PHONE,ETHNIC_CODE,REGISTERED_GP_PRACTICE_CODE\n" +
		"X1,9434765919,Amy,Jones,1985-04-12 00:00:00,,F,3 Mill Lane,,Romford,Essex,RM1 1AA,,07700 900000,A,F82001\n",
	"BHRUT_SPELLS.csv": "ID,PAS_ID,ADMISSION_DTTM,DISCHARGE_DTTM,ADMISSION_METHOD,ADMISSION_SOURCE,DISCHARGE_DESTINATION,ADMISSION_WARD,PATIENT_CLASS,HOSPITAL_CODE\n" +
		"S1,X1,2024-02-01 08:00:00,2024-02-04 12:00:00,Emergency,Usual residence,Home,Ward 7,Inpatient,RF4\n",
	"BHRUT_EPISODES.csv": "ID,SPELL_ID,PAS_ID,EPISODE_START_DTTM,EPISODE_END_DTTM,CONSULTANT_CODE,SPECIALTY,PRIMARY_DIAGNOSIS_CODE,PRIMARY_DIAGNOSIS,SECONDARY_DIAGNOSIS_CODE\n" +
		"EP1,S1,X1,2024-02-01 08:00:00,2024-02-04 12:00:00,C123,General Medicine,J45.9,Asthma,\n",
	"BHRUT_OUTPATIENTS.csv": "ID,PAS_ID,APPOINTMENT_DTTM,APPT_STATUS,CLINIC_CODE,CONSULTANT_CODE,SPECIALTY,OUTCOME,HOSPITAL_CODE\n" +
		"OP1,X1,2024-05-01 09:30:00,Attended,RESP1,C123,Respiratory,Discharged,RF4\n",
}

func writeDelivery(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:          "test",
		LogLevel:     "error",
		TargetSchema: "ingest",
		Output:       config.OutputNDJSON,
		OutputDir:    t.TempDir(),
		PCRDir:       t.TempDir(),
		WorkerCount:  2,
		Terminology:  config.TerminologyMemory,
	}
}

// ---------------------------------------------------------------------------
// runBatch
// ---------------------------------------------------------------------------

func TestRunBatch_WritesNDJSONAndPCR(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()
	if a.pool != nil {
		t.Fatal("expected no pool for ndjson output with memory terminology")
	}

	b := batch.NewBatch("bhrut", writeDelivery(t, bhrutFiles))
	sum, outcome, err := a.runBatch(context.Background(), b)
	if err != nil {
		t.Fatalf("runBatch failed: %v", err)
	}
	if sum.Failed || sum.Saved["Patient"] != 1 {
		t.Errorf("expected one patient saved, got %+v", sum)
	}
	if outcome == nil || outcome.HasErrors() {
		t.Errorf("expected an outcome without errors, got %+v", outcome)
	}

	out := filepath.Join(cfg.OutputDir, "bhrut", b.ID.String())
	data, err := os.ReadFile(filepath.Join(out, "Patient.ndjson"))
	if err != nil {
		t.Fatalf("failed to read patient output: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Errorf("expected one patient line, got %d", lines)
	}
	for _, table := range []string{"patient", "encounter", "condition"} {
		path := filepath.Join(cfg.PCRDir, "bhrut", b.ID.String(), table+".parquet")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s table: %v", table, err)
		}
	}
}

func TestRunBatch_UnknownSource(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	if _, _, err := a.runBatch(context.Background(), batch.NewBatch("emis", t.TempDir())); err == nil || !strings.Contains(err.Error(), "unknown source") {
		t.Errorf("expected unknown source error, got %v", err)
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output = "s3"
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected invalid OUTPUT to be rejected")
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestServer_SubmitBatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output = config.OutputMemory
	cfg.PCRDir = ""
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	e, manager := newServer(context.Background(), a)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected health 200, got %d", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{"source": "BHRUT", "dir": writeDelivery(t, bhrutFiles)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	manager.Wait()

	jobsList := manager.Store().List("", 0)
	if len(jobsList) != 1 || jobsList[0].Status != jobs.StatusCompleted {
		t.Fatalf("expected one completed job, got %+v", jobsList)
	}
	if jobsList[0].Summary.Saved["Encounter"] == 0 {
		t.Errorf("expected encounters saved, got %+v", jobsList[0].Summary.Saved)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(`{"source":"emis","dir":"/x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown source, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestSourcesCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sources"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sources failed: %v", err)
	}
	if got := out.String(); got != "adastra\nbhrut\nhomerton\ntpp\n" {
		t.Errorf("sources output = %q", got)
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &batch.Summary{
		Batch:    batch.NewBatch("tpp", "/data"),
		Files:    []batch.FileResult{{Stage: "patients", Path: "/data/SRPatient.csv", Rows: 3, OK: 2, Skipped: 1}},
		Saved:    map[string]int{"Patient": 2, "Encounter": 5},
		Failed:   true,
		Message:  "batch aborted",
		Duration: 1500 * time.Millisecond,
	})
	got := out.String()
	for _, want := range []string{"failed in 1.5s", "SRPatient.csv", "saved Encounter", "error: batch aborted"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in summary:\n%s", want, got)
		}
	}
	if strings.Index(got, "saved Encounter") > strings.Index(got, "saved Patient") {
		t.Error("expected saved counts sorted by type")
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printStatus(&out, "ingest", []db.MigrationStatus{
		{Version: 1, Name: "001_resources.sql", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "002_reference.sql"},
	})
	got := out.String()
	if !strings.Contains(got, "2024-06-01 10:00:00") || !strings.Contains(got, "pending") {
		t.Errorf("unexpected status output:\n%s", got)
	}
}

func TestMigrationsFS_FallsBackToEmbedded(t *testing.T) {
	fsys := migrationsFS(filepath.Join(t.TempDir(), "missing"))
	m := db.NewMigrator(nil, fsys)
	migs, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migs) != 3 || migs[0].Name != "001_resources.sql" {
		t.Errorf("expected the three embedded migrations, got %d", len(migs))
	}
}
