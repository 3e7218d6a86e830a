package vendorb

import "testing"

func TestNormalizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "3mf kept as-is", in: "part.3mf", want: "part.3mf"},
		{name: "gcode kept as-is", in: "part.gcode", want: "part.gcode"},
		{name: "gcode.3mf fixed", in: "part.gcode.3mf", want: "part.3mf"},
		{name: "unknown extension appended", in: "part.stl", want: "part.stl.gcode"},
		{name: "no extension appended", in: "part", want: "part.gcode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeFilename(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMergeReport_OnlyUpdatesNonEmptyFields(t *testing.T) {
	s := &Session{}
	s.snapshot = Snapshot{GcodeState: "RUNNING", Progress: 40, CurrentFile: "old.gcode"}

	pct := 55
	s.mergeReport(&mqttReport{})
	if s.snapshot.GcodeState != "RUNNING" || s.snapshot.Progress != 40 {
		t.Fatalf("empty report should not clear existing fields: %+v", s.snapshot)
	}

	report := &mqttReport{}
	report.Print.McPercent = &pct
	s.mergeReport(report)
	if s.snapshot.Progress != 55 {
		t.Errorf("Progress = %d, want 55", s.snapshot.Progress)
	}
	if s.snapshot.CurrentFile != "old.gcode" {
		t.Errorf("CurrentFile should be untouched by a report that omits it, got %q", s.snapshot.CurrentFile)
	}
}

func TestClearEjectionComplete_ResetsLatchedFlag(t *testing.T) {
	s := &Session{}
	s.snapshot = Snapshot{EjectionComplete: true}

	s.ClearEjectionComplete()

	if s.Snapshot().EjectionComplete {
		t.Error("expected EjectionComplete cleared")
	}
}

func TestMergeReport_FinishLatchesEjectionComplete(t *testing.T) {
	s := &Session{}
	report := &mqttReport{}
	report.Print.GcodeState = "FINISH"
	s.mergeReport(report)

	if !s.snapshot.EjectionComplete {
		t.Error("expected a FINISH report to latch EjectionComplete")
	}
}

func TestMergeReport_RemainingTimeFieldPriority(t *testing.T) {
	tests := []struct {
		name   string
		report mqttReport
		want   int // seconds
	}{
		{
			name: "mc_remaining_time minutes to seconds",
			report: func() mqttReport {
				var r mqttReport
				v := 5
				r.Print.McRemainingTime = &v
				return r
			}(),
			want: 300,
		},
		{
			name: "mc_left_time used when mc_remaining_time absent",
			report: func() mqttReport {
				var r mqttReport
				v := 2
				r.Print.McLeftTime = &v
				return r
			}(),
			want: 120,
		},
		{
			name: "remaining_time used as last resort",
			report: func() mqttReport {
				var r mqttReport
				v := 1
				r.Print.RemainingTime = &v
				return r
			}(),
			want: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{}
			s.mergeReport(&tt.report)
			if s.snapshot.RemainingSec != tt.want {
				t.Errorf("RemainingSec = %d, want %d", s.snapshot.RemainingSec, tt.want)
			}
		})
	}
}

func TestMappedState(t *testing.T) {
	tests := []struct {
		name         string
		snap         Snapshot
		wantState    string
		wantBenign   bool
	}{
		{name: "idle maps to ready", snap: Snapshot{GcodeState: "IDLE"}, wantState: "READY"},
		{name: "prepare passes through", snap: Snapshot{GcodeState: "PREPARE"}, wantState: "PREPARE"},
		{name: "running maps to printing", snap: Snapshot{GcodeState: "RUNNING"}, wantState: "PRINTING"},
		{name: "pause maps to paused", snap: Snapshot{GcodeState: "PAUSE"}, wantState: "PAUSED"},
		{name: "finish maps to finished", snap: Snapshot{GcodeState: "FINISH"}, wantState: "FINISHED"},
		{name: "failed maps to error", snap: Snapshot{GcodeState: "FAILED", FailReasonCode: "0x0500100A"}, wantState: "ERROR"},
		{
			name:       "failed with benign code maps to ready",
			snap:       Snapshot{GcodeState: "FAILED", FailReasonCode: benignFailCode},
			wantState:  "READY",
			wantBenign: true,
		},
		{name: "unknown state maps to empty", snap: Snapshot{GcodeState: "WEIRD"}, wantState: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotState, gotBenign := tt.snap.MappedState()
			if gotState != tt.wantState {
				t.Errorf("state = %q, want %q", gotState, tt.wantState)
			}
			if gotBenign != tt.wantBenign {
				t.Errorf("isBenignFail = %v, want %v", gotBenign, tt.wantBenign)
			}
		})
	}
}

func TestErrorMessageFromHMS(t *testing.T) {
	if got := ErrorMessageFromHMS(nil); got != "" {
		t.Errorf("ErrorMessageFromHMS(nil) = %q, want empty", got)
	}
	got := ErrorMessageFromHMS([]string{"0300-2000", "0500-100A"})
	want := "0300-2000; 0500-100A"
	if got != want {
		t.Errorf("ErrorMessageFromHMS() = %q, want %q", got, want)
	}
}
