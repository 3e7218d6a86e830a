// Package vendorb implements the push-style driver for Vendor B
// printers (§4.4, §6.2, §6.3): a per-printer MQTT-over-TLS session
// with a cached status snapshot, plus an FTPS uploader for staging
// print files before a start command.
package vendorb

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/cuemby/printfleet/pkg/log"
)

const (
	mqttPort       = 8883
	mqttQoS        = 0
	connectTimeout = 10 * time.Second

	// Reconnection backoff (§4.4: "exponential backoff (5·n s, cap 30 s,
	// max 5 attempts)").
	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxTries  = 5

	// Connection-maintenance cadence (§4.4): checked every 30s, stale
	// past 60s without data.
	maintenanceInterval = 30 * time.Second
	staleDataThreshold  = 60 * time.Second
)

// Snapshot is the cached per-printer state decoded from MQTT reports
// (§4.4 "on-message callback updates a per-printer cached snapshot").
type Snapshot struct {
	GcodeState      string // IDLE, PREPARE, RUNNING, PAUSE, FINISH, FAILED
	Progress        int    // 0-100
	NozzleTemp      float64
	BedTemp         float64
	RemainingSec    int
	CurrentFile     string
	HMSAlerts       []string
	EjectionComplete bool
	FailReasonCode  string
	LastUpdate      time.Time
}

// mqttReport is the subset of fields this driver reads out of a
// `device/<serial>/report` payload (§4.4).
type mqttReport struct {
	Print struct {
		GcodeState      string  `json:"gcode_state"`
		GcodeFile       string  `json:"gcode_file"`
		McPercent       *int    `json:"mc_percent"`
		McRemainingTime *int    `json:"mc_remaining_time"`
		McLeftTime      *int    `json:"mc_left_time"`
		RemainingTime   *int    `json:"remaining_time"`
		BedTemper       *float64 `json:"bed_temper"`
		NozzleTemper    *float64 `json:"nozzle_temper"`
		McPrintErrCode  string  `json:"mc_print_error_code"`
		FailReason      string  `json:"fail_reason"`
		HMS             []struct {
			Attr int `json:"attr"`
			Code int `json:"code"`
		} `json:"hms"`
	} `json:"print"`
}

// benignFailCode is "no active job" — a FAILED observation with this
// reason is not a real error (§4.4 state mapping).
const benignFailCode = "0x03000000"

// Session owns one printer's MQTT connection, cached snapshot, and
// sequence-id counter.
type Session struct {
	printerName string
	serial      string
	host        string
	accessCode  string

	client paho.Client

	mu       sync.RWMutex
	snapshot Snapshot

	seq int64

	stopCh      chan struct{}
	stoppedOnce sync.Once
}

// NewSession creates a session for a printer; call Connect to start
// the MQTT client.
func NewSession(printerName, host, serial, accessCode string) *Session {
	return &Session{
		printerName: printerName,
		serial:      serial,
		host:        host,
		accessCode:  accessCode,
		stopCh:      make(chan struct{}),
	}
}

// Connect establishes the MQTT connection with a unique client id
// (<name>_<epoch>), a clean session, a message channel depth of 0 and
// paho's automatic reconnect turned off. No inflight cap is configured.
func (s *Session) Connect() error {
	clientID := fmt.Sprintf("%s_%d", s.printerName, time.Now().Unix())

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", s.host, mqttPort)).
		SetClientID(clientID).
		SetUsername("bblp").
		SetPassword(s.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetCleanSession(true).
		SetAutoReconnect(false). // we drive reconnection ourselves (capped backoff)
		SetMessageChannelDepth(0).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetDefaultPublishHandler(s.onMessage)

	s.client = paho.NewClient(opts)

	token := s.client.Connect()
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return fmt.Errorf("connect printer %s mqtt: %w", s.printerName, token.Error())
	}

	go s.maintain()
	return nil
}

// Disconnect tears down the session.
func (s *Session) Disconnect() {
	s.stoppedOnce.Do(func() { close(s.stopCh) })
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// Snapshot returns a copy of the cached state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// ClearEjectionComplete resets the cached completion flag. A caller
// starting a new ejection send must call this first: EjectionComplete
// latches on any FINISH report and otherwise never resets, so without
// this a send would read as complete from the printer's last ordinary
// print rather than its own M400 ack.
func (s *Session) ClearEjectionComplete() {
	s.mu.Lock()
	s.snapshot.EjectionComplete = false
	s.mu.Unlock()
}

// Connected reports whether the MQTT client believes it has a live
// connection.
func (s *Session) Connected() bool {
	return s.client != nil && s.client.IsConnected()
}

func (s *Session) nextSeq() string {
	return strconv.FormatInt(atomic.AddInt64(&s.seq, 1), 10)
}

func (s *Session) reportTopic() string  { return fmt.Sprintf("device/%s/report", s.serial) }
func (s *Session) requestTopic() string { return fmt.Sprintf("device/%s/request", s.serial) }

func (s *Session) publish(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt command: %w", err)
	}
	token := s.client.Publish(s.requestTopic(), mqttQoS, false, data)
	// QoS 0: Publish returns immediately; Wait merely confirms the
	// local send path accepted it (§5 "MQTT commands use QoS 0, no
	// cancellation concept").
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish mqtt command: %w", token.Error())
	}
	return nil
}

// Pushall requests a full status report (§4.4 "on-connect... sends a
// pushall status request").
func (s *Session) Pushall() error {
	return s.publish(map[string]any{
		"pushing": map[string]any{
			"command":     "pushall",
			"sequence_id": s.nextSeq(),
			"version":     1,
			"push_target": 1,
		},
	})
}

// ProjectFile starts printing a previously uploaded file (§4.4, §6.2).
func (s *Session) ProjectFile(filename string) error {
	return s.publish(map[string]any{
		"print": map[string]any{
			"command":      "project_file",
			"sequence_id":  s.nextSeq(),
			"param":        "Metadata/plate_1.gcode",
			"file":         "",
			"url":          fmt.Sprintf("file:///sdcard/%s", filename),
			"bed_leveling": true,
			"use_ams":      true,
		},
	})
}

// GcodeLine sends a single G-code command at QoS 0.
func (s *Session) GcodeLine(line string) error {
	return s.publish(map[string]any{
		"print": map[string]any{
			"command":     "gcode_line",
			"sequence_id": s.nextSeq(),
			"param":       line,
		},
	})
}

// GcodeBatch splits a multi-line G-code blob, strips comments and
// blank lines, and sends each remaining line with a 100ms delay
// between sends (§4.4 "batch helper").
func (s *Session) GcodeBatch(blob string) error {
	for _, raw := range strings.Split(blob, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if err := s.GcodeLine(line); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func (s *Session) jobCommand(command string) error {
	return s.publish(map[string]any{
		"print": map[string]any{
			"command":     command,
			"sequence_id": s.nextSeq(),
			"param":       "",
		},
	})
}

// Stop cancels the active print.
func (s *Session) Stop() error { return s.jobCommand("stop") }

// Pause pauses the active print.
func (s *Session) Pause() error { return s.jobCommand("pause") }

// Resume resumes a paused print.
func (s *Session) Resume() error { return s.jobCommand("resume") }

func (s *Session) onConnect(_ paho.Client) {
	topic := s.reportTopic()
	token := s.client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		log.WithPrinter(s.printerName).Error().Err(token.Error()).Msg("failed to subscribe to report topic")
		return
	}
	if err := s.Pushall(); err != nil {
		log.WithPrinter(s.printerName).Warn().Err(err).Msg("initial pushall failed")
	}
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	log.WithPrinter(s.printerName).Warn().Err(err).Msg("mqtt connection lost")
	s.mu.Lock()
	s.snapshot.GcodeState = "OFFLINE"
	s.mu.Unlock()

	go s.reconnectWithBackoff()
}

// reconnectWithBackoff retries on a linear schedule: 5*n seconds,
// capped at 30s, abandoned after 5 attempts.
func (s *Session) reconnectWithBackoff() {
	for attempt := 1; attempt <= reconnectMaxTries; attempt++ {
		select {
		case <-s.stopCh:
			return
		default:
		}

		delay := time.Duration(attempt) * reconnectBaseDelay
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		time.Sleep(delay)

		token := s.client.Connect()
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			log.WithPrinter(s.printerName).Info().Int("attempt", attempt).Msg("mqtt reconnected")
			return
		}
		log.WithPrinter(s.printerName).Warn().Int("attempt", attempt).Msg("mqtt reconnect attempt failed")
	}
	log.WithPrinter(s.printerName).Error().Msg("mqtt reconnect abandoned after max attempts")
}

func (s *Session) onMessage(_ paho.Client, msg paho.Message) {
	var report mqttReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		log.WithPrinter(s.printerName).Debug().Err(err).Msg("failed to decode mqtt report")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeReport(&report)
	s.snapshot.LastUpdate = time.Now()
}

// mergeReport folds non-empty fields of report into the cached
// snapshot, following the Bambu protocol's partial-update convention
// (a report only carries fields that changed).
func (s *Session) mergeReport(report *mqttReport) {
	p := &report.Print
	if p.GcodeState != "" {
		s.snapshot.GcodeState = p.GcodeState
	}
	if p.GcodeFile != "" {
		s.snapshot.CurrentFile = p.GcodeFile
	}
	if p.McPercent != nil {
		s.snapshot.Progress = *p.McPercent
	}
	if p.BedTemper != nil {
		s.snapshot.BedTemp = *p.BedTemper
	}
	if p.NozzleTemper != nil {
		s.snapshot.NozzleTemp = *p.NozzleTemper
	}

	// §4.4: accept mc_remaining_time, mc_left_time, or remaining_time,
	// each reported in minutes; convert to seconds.
	switch {
	case p.McRemainingTime != nil:
		s.snapshot.RemainingSec = *p.McRemainingTime * 60
	case p.McLeftTime != nil:
		s.snapshot.RemainingSec = *p.McLeftTime * 60
	case p.RemainingTime != nil:
		s.snapshot.RemainingSec = *p.RemainingTime * 60
	}

	if len(p.HMS) > 0 {
		alerts := make([]string, 0, len(p.HMS))
		for _, h := range p.HMS {
			alerts = append(alerts, fmt.Sprintf("%08X-%08X", h.Attr, h.Code))
		}
		s.snapshot.HMSAlerts = alerts
	}

	if p.McPrintErrCode != "" {
		s.snapshot.FailReasonCode = p.McPrintErrCode
	} else if p.FailReason != "" {
		s.snapshot.FailReasonCode = p.FailReason
	}

	if p.GcodeState == "FINISH" {
		s.snapshot.EjectionComplete = true
	}
}

// ErrorMessageFromHMS joins HMS alert codes into the error_message
// string the reconciler surfaces on a printer (§4.4 "HMS alerts
// present ⇒ state forced to ERROR with message composed from alert
// codes"). Falls back to a generic message when present but empty.
func ErrorMessageFromHMS(alerts []string) string {
	if len(alerts) == 0 {
		return ""
	}
	joined := strings.Join(alerts, "; ")
	if joined == "" {
		return "Unknown error"
	}
	return joined
}

// MappedState translates the cached gcode_state into the fleet's
// printer state vocabulary (§4.4 state mapping).
func (snap Snapshot) MappedState() (state string, isBenignFail bool) {
	switch snap.GcodeState {
	case "IDLE":
		return "READY", false
	case "PREPARE":
		return "PREPARE", false
	case "RUNNING":
		return "PRINTING", false
	case "PAUSE":
		return "PAUSED", false
	case "FINISH":
		return "FINISHED", false
	case "FAILED":
		if snap.FailReasonCode == benignFailCode {
			return "READY", true
		}
		return "ERROR", false
	default:
		return "", false
	}
}

// maintain is the connection-maintenance background task (§4.4):
// every 30s, verify the client is connected and has received data
// within the last 60s; otherwise force a disconnect/reconnect cycle.
func (s *Session) maintain() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			stale := time.Since(s.snapshot.LastUpdate) > staleDataThreshold && !s.snapshot.LastUpdate.IsZero()
			s.mu.RUnlock()

			if !s.Connected() || stale {
				log.WithPrinter(s.printerName).Warn().Bool("connected", s.Connected()).Bool("stale", stale).Msg("connection maintenance triggered reconnect")
				if s.client != nil && s.client.IsConnected() {
					s.client.Disconnect(100)
				}
				go s.reconnectWithBackoff()
			}
		case <-s.stopCh:
			return
		}
	}
}
