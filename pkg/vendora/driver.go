// Package vendora implements the pull-style HTTP driver for Vendor A
// printers (§4.3, §6.1): synchronous status/job polling, file
// upload-and-start, and job control, all over a local REST API keyed
// by an `X-Api-Key` token.
package vendora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/printfleet/pkg/log"
)

// callTimeout is the per-HTTP-call timeout (§5 "Cancellation and
// timeouts": "HTTP per-call timeout 15 s").
const callTimeout = 15 * time.Second

// maxRetries bounds the transient-failure backoff (§7: "retry (driver
// level) up to 2 more times with backoff").
const maxRetries = 2

// Status is the decoded body of GET /api/v1/status (§6.1).
type Status struct {
	Printer struct {
		State     string  `json:"state"`
		TempBed   float64 `json:"temp_bed"`
		TempNozzle float64 `json:"temp_nozzle"`
		AxisZ     float64 `json:"axis_z"`
	} `json:"printer"`
}

// Job is the decoded body of GET /api/v1/job (§6.1). Found reports
// whether a job is active (the endpoint 404s when none is running).
type Job struct {
	Progress      int    `json:"progress"`
	TimeRemaining int    `json:"time_remaining"`
	ID            string `json:"id"`
	File          struct {
		DisplayName string `json:"display_name"`
	} `json:"file"`
	Found bool `json:"-"`
}

// Driver talks to a single Vendor A printer over HTTP.
type Driver struct {
	client *http.Client
	ip     string
	apiKey string
}

// NewDriver returns a Driver for the printer at ip, authenticated with
// apiKey (already decrypted by the caller — §5 "credentials on
// printers are never kept decrypted in state; decrypt at use").
func NewDriver(ip, apiKey string) *Driver {
	return &Driver{
		client: &http.Client{Timeout: callTimeout},
		ip:     ip,
		apiKey: apiKey,
	}
}

func (d *Driver) url(path string) string {
	return fmt.Sprintf("http://%s%s", d.ip, path)
}

func (d *Driver) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.url(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", d.apiKey)
	return req, nil
}

// withRetry wraps op with up to maxRetries extra attempts using
// exponential backoff, for the transient-transport class of failure
// (§7). It is not used for calls whose semantics require a specific
// status-code branch (upload/start 409 handling, job control
// fallback) — those implement their own retry logic inline.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, bo)
}

// FetchStatus issues GET /api/v1/status.
func (d *Driver) FetchStatus(ctx context.Context) (*Status, error) {
	var status Status
	err := withRetry(ctx, func() error {
		req, err := d.newRequest(ctx, http.MethodGet, "/api/v1/status", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			log.WithComponent("vendora").Warn().Err(err).Str("ip", d.ip).Msg("status fetch failed, retrying")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("status fetch: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status fetch: unexpected status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// FetchJob issues GET /api/v1/job. A 404 means no job is running and
// is not an error — Job.Found is false.
func (d *Driver) FetchJob(ctx context.Context) (*Job, error) {
	var job Job
	err := withRetry(ctx, func() error {
		req, err := d.newRequest(ctx, http.MethodGet, "/api/v1/job", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			job = Job{}
			return nil
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("job fetch: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("job fetch: unexpected status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return err
		}
		job.Found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UploadAndStart uploads filename (raw G-code/3MF bytes) with
// Print-After-Upload, pre-deleting the target first to defeat 409
// conflicts, and retrying once with Overwrite on a 409 (§4.7.1).
func (d *Driver) UploadAndStart(ctx context.Context, filename string, content []byte) error {
	// Pre-delete: defeat 409 conflicts from a stale file of the same name.
	if err := d.deleteFile(ctx, filename); err != nil {
		log.WithComponent("vendora").Debug().Err(err).Str("file", filename).Msg("pre-delete before upload failed (may not have existed)")
	}

	status, err := d.upload(ctx, filename, content, false)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		status, err = d.upload(ctx, filename, content, true)
		if err != nil {
			return err
		}
	}
	if status != http.StatusCreated {
		return fmt.Errorf("upload %s: unexpected status %d", filename, status)
	}
	return nil
}

func (d *Driver) upload(ctx context.Context, filename string, content []byte, overwrite bool) (int, error) {
	req, err := d.newRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/files/usb/%s", filename), bytes.NewReader(content))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Print-After-Upload", "?1")
	if overwrite {
		req.Header.Set("Overwrite", "?1")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Driver) deleteFile(ctx context.Context, filename string) error {
	req, err := d.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/files/usb/%s", filename), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: unexpected status %d", filename, resp.StatusCode)
	}
	return nil
}

// StartExisting starts a file already on the printer (§6.1 "POST
// .../files/usb/<name> → 204 starts a previously uploaded file; 409
// handled by polling status").
func (d *Driver) StartExisting(ctx context.Context, filename string) error {
	req, err := d.newRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v1/files/usb/%s", filename), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("start %s: %w", filename, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusConflict:
		status, err := d.FetchStatus(ctx)
		if err != nil {
			return fmt.Errorf("start %s: 409, status poll failed: %w", filename, err)
		}
		if status.Printer.State == "" {
			return fmt.Errorf("start %s: 409, printer state unknown after poll", filename)
		}
		return nil
	default:
		return fmt.Errorf("start %s: unexpected status %d", filename, resp.StatusCode)
	}
}

// jobCommand issues POST /api/v1/job with the given command, falling
// back to the legacy /api/job endpoint on a 404/405 (§6.1).
func (d *Driver) jobCommand(ctx context.Context, command string) error {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return err
	}

	doPost := func(path string) (*http.Response, error) {
		req, err := d.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return d.client.Do(req)
	}

	resp, err := doPost("/api/v1/job")
	if err != nil {
		return fmt.Errorf("job command %s: %w", command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		legacy, err := doPost("/api/job")
		if err != nil {
			return fmt.Errorf("job command %s (legacy fallback): %w", command, err)
		}
		defer legacy.Body.Close()
		if legacy.StatusCode != http.StatusOK {
			return fmt.Errorf("job command %s (legacy fallback): unexpected status %d", command, legacy.StatusCode)
		}
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job command %s: unexpected status %d", command, resp.StatusCode)
	}
	return nil
}

// Stop cancels the running job.
func (d *Driver) Stop(ctx context.Context) error { return d.jobCommand(ctx, "cancel") }

// Pause pauses the running job.
func (d *Driver) Pause(ctx context.Context) error { return d.jobCommand(ctx, "pause") }

// Resume resumes a paused job.
func (d *Driver) Resume(ctx context.Context) error { return d.jobCommand(ctx, "resume") }

// SendEjection uploads and starts an ejection G-code file, the Vendor
// A path for §4.6 step 5 ("stash pending_ejection on the printer; the
// next reconcile tick picks it up and uploads the G-code file as a
// print job").
func (d *Driver) SendEjection(ctx context.Context, filename, gcode string) error {
	return d.UploadAndStart(ctx, filename, []byte(gcode))
}
