package vendora

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "tok123" {
			t.Errorf("missing/incorrect X-Api-Key header: %s", r.Header.Get("X-Api-Key"))
		}
		w.Write([]byte(`{"printer":{"state":"PRINTING","temp_bed":60.5,"temp_nozzle":210.0,"axis_z":12.3}}`))
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	status, err := d.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error = %v", err)
	}
	if status.Printer.State != "PRINTING" {
		t.Errorf("State = %v, want PRINTING", status.Printer.State)
	}
	if status.Printer.TempBed != 60.5 {
		t.Errorf("TempBed = %v, want 60.5", status.Printer.TempBed)
	}
}

func TestFetchJob_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	job, err := d.FetchJob(context.Background())
	if err != nil {
		t.Fatalf("FetchJob() error = %v", err)
	}
	if job.Found {
		t.Error("Found should be false on a 404")
	}
}

func TestFetchJob_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"progress":42,"time_remaining":600,"id":"job-1","file":{"display_name":"part.gcode"}}`))
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	job, err := d.FetchJob(context.Background())
	if err != nil {
		t.Fatalf("FetchJob() error = %v", err)
	}
	if !job.Found || job.Progress != 42 || job.File.DisplayName != "part.gcode" {
		t.Errorf("unexpected job = %+v", job)
	}
}

func TestUploadAndStart_RetriesWithOverwriteOn409(t *testing.T) {
	var uploadAttempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPut:
			uploadAttempts++
			if uploadAttempts == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			if r.Header.Get("Overwrite") != "?1" {
				t.Error("second upload attempt should set Overwrite header")
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	err := d.UploadAndStart(context.Background(), "part.gcode", []byte("G28\n"))
	if err != nil {
		t.Fatalf("UploadAndStart() error = %v", err)
	}
	if uploadAttempts != 2 {
		t.Errorf("upload attempts = %d, want 2 (initial + overwrite retry)", uploadAttempts)
	}
}

func TestUploadAndStart_SucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			if r.Header.Get("Print-After-Upload") != "?1" {
				t.Error("expected Print-After-Upload header")
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	if err := d.UploadAndStart(context.Background(), "part.gcode", []byte("G28\n")); err != nil {
		t.Fatalf("UploadAndStart() error = %v", err)
	}
}

func TestJobCommand_FallsBackToLegacyOn405(t *testing.T) {
	var legacyHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/job":
			w.WriteHeader(http.StatusMethodNotAllowed)
		case "/api/job":
			legacyHit = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	if err := d.Pause(context.Background()); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if !legacyHit {
		t.Error("expected fallback to legacy /api/job endpoint")
	}
}

func TestStartExisting_PollsStatusOn409(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/status":
			w.Write([]byte(`{"printer":{"state":"PRINTING"}}`))
		}
	}))
	defer srv.Close()

	d := NewDriver(strings.TrimPrefix(srv.URL, "http://"), "tok123")
	if err := d.StartExisting(context.Background(), "part.gcode"); err != nil {
		t.Fatalf("StartExisting() error = %v", err)
	}
}
