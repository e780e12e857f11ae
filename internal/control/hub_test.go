package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/internal/httpauth"
	"github.com/MrWong99/murmur/pkg/vad"
)

// fakeDetector records the commands the hub applies.
type fakeDetector struct {
	mu       sync.Mutex
	starts   int
	stops    int
	recals   int
	patches  []vad.ConfigPatch
	startErr error
	snap     vad.Snapshot
	events   chan vad.Event
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{
		snap:   vad.Snapshot{State: vad.StateIdle, Config: vad.DefaultConfig()},
		events: make(chan vad.Event, 16),
	}
}

func (f *fakeDetector) StartDetection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.snap.State = vad.StateListening
	f.snap.IsDetecting = true
	return nil
}

func (f *fakeDetector) StopDetection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.snap.State = vad.StateIdle
	f.snap.IsDetecting = false
}

func (f *fakeDetector) Recalibrate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recals++
	f.snap.IsCalibrated = true
	return nil
}

func (f *fakeDetector) UpdateConfig(p vad.ConfigPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.snap.Config.Apply(p)
	if err := next.Validate(); err != nil {
		return err
	}
	f.patches = append(f.patches, p)
	f.snap.Config = next
	return nil
}

func (f *fakeDetector) State() vad.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeDetector) Subscribe(int) (<-chan vad.Event, func()) {
	return f.events, func() {}
}

// harness runs a hub behind an httptest server.
type harness struct {
	det  *fakeDetector
	hub  *Hub
	srv  *httptest.Server
	stop context.CancelFunc
	done chan error
}

func newHarness(t *testing.T, mw ...func(http.Handler) http.Handler) *harness {
	t.Helper()
	h := &harness{det: newFakeDetector(), done: make(chan error, 1)}
	h.hub = New(h.det, WithStatusInterval(time.Hour))

	mux := http.NewServeMux()
	h.hub.Register(mux, mw...)
	h.srv = httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.done <- h.hub.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/vad"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// readType reads messages until one of type typ arrives and decodes it into v.
func readType(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatalf("bad message %s: %v", data, err)
		}
		if head.Type == typ {
			if err := json.Unmarshal(data, v); err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_InitialStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)

	var st StatusMessage
	readType(t, conn, TypeStatus, &st)
	if st.Status != vad.StatusInactive || st.State != "idle" {
		t.Errorf("status = %q state = %q", st.Status, st.State)
	}
	if st.Config.SilenceDuration == nil || *st.Config.SilenceDuration != 2000 {
		t.Errorf("config.silenceDuration = %v, want 2000 ms", st.Config.SilenceDuration)
	}
	waitFor(t, func() bool { return h.hub.Clients() == 1 })
}

func TestHub_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"cmd":"start"}`)
	var res ResultMessage
	readType(t, conn, "start_result", &res)
	if !res.Success || res.Error != "" {
		t.Errorf("start_result = %+v", res)
	}
	var st StatusMessage
	readType(t, conn, TypeStatus, &st)
	if !st.IsDetecting {
		t.Errorf("status after start = %+v", st)
	}

	send(t, conn, `{"cmd":"stop"}`)
	readType(t, conn, "stop_result", &res)
	if !res.Success {
		t.Errorf("stop_result = %+v", res)
	}

	h.det.mu.Lock()
	defer h.det.mu.Unlock()
	if h.det.starts != 1 || h.det.stops != 1 {
		t.Errorf("starts = %d stops = %d", h.det.starts, h.det.stops)
	}
}

func TestHub_StartFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.det.mu.Lock()
	h.det.startErr = errors.New("vad: not initialized")
	h.det.mu.Unlock()
	conn := h.dial(t)

	send(t, conn, `{"cmd":"start"}`)
	var res ResultMessage
	readType(t, conn, "start_result", &res)
	if res.Success || res.Error != "vad: not initialized" {
		t.Errorf("start_result = %+v", res)
	}
}

func TestHub_Recalibrate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"cmd":"recalibrate"}`)
	var res ResultMessage
	readType(t, conn, "recalibrate_result", &res)
	if !res.Success {
		t.Errorf("recalibrate_result = %+v", res)
	}
	var st StatusMessage
	readType(t, conn, TypeStatus, &st)
	if !st.IsCalibrated {
		t.Error("status after recalibrate not calibrated")
	}
}

func TestHub_Preset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"cmd":"preset","preset":"Sensitive"}`)
	var res ResultMessage
	readType(t, conn, "preset_result", &res)
	if !res.Success {
		t.Fatalf("preset_result = %+v", res)
	}

	want, _ := vad.PresetConfig(vad.PresetSensitive)
	h.det.mu.Lock()
	defer h.det.mu.Unlock()
	if len(h.det.patches) != 1 || !reflect.DeepEqual(h.det.patches[0], want.Patch()) {
		t.Errorf("patches = %+v", h.det.patches)
	}
}

func TestHub_Config(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"cmd":"config","config":{"silenceDuration":1500,"voiceThreshold":0.07,"enableNoiseGate":false}}`)
	var res ResultMessage
	readType(t, conn, "config_result", &res)
	if !res.Success {
		t.Fatalf("config_result = %+v", res)
	}
	var st StatusMessage
	readType(t, conn, TypeStatus, &st)
	if *st.Config.SilenceDuration != 1500 || *st.Config.VoiceThreshold != 0.07 || *st.Config.EnableNoiseGate {
		t.Errorf("config after update = %+v", st.Config)
	}

	got := h.det.State().Config
	if got.SilenceDuration != 1500*time.Millisecond || got.EnableNoiseGate {
		t.Errorf("detector config = %+v", got)
	}
}

func TestHub_InvalidCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      string
		wantType string
		wantErr  string
	}{
		{"not json", `hello`, TypeError, "invalid command"},
		{"unknown cmd", `{"cmd":"jump"}`, TypeError, "oneof"},
		{"missing cmd", `{}`, TypeError, "required"},
		{"preset without name", `{"cmd":"preset"}`, "preset_result", "Preset"},
		{"unknown preset", `{"cmd":"preset","preset":"whisper"}`, "preset_result", "unknown preset"},
		{"config without body", `{"cmd":"config"}`, "config_result", "Config"},
		{"config out of range", `{"cmd":"config","config":{"voiceThreshold":3}}`, "config_result", "VoiceThreshold"},
		{"config rejected by detector", `{"cmd":"config","config":{"maxRecordingDuration":100}}`, "config_result", "MaxRecordingDuration"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.dial(t)

			send(t, conn, tc.msg)
			var res ResultMessage
			readType(t, conn, tc.wantType, &res)
			if res.Success {
				t.Error("Success = true")
			}
			if !strings.Contains(res.Error, tc.wantErr) {
				t.Errorf("error %q does not contain %q", res.Error, tc.wantErr)
			}

			h.det.mu.Lock()
			defer h.det.mu.Unlock()
			if len(h.det.patches) != 0 {
				t.Errorf("detector was patched: %+v", h.det.patches)
			}
		})
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a, b := h.dial(t), h.dial(t)
	waitFor(t, func() bool { return h.hub.Clients() == 2 })

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.det.events <- vad.Event{Type: vad.EventVolume, At: at, Volume: 0.3}
	h.det.events <- vad.Event{Type: vad.EventSilence, At: at, Duration: 1200 * time.Millisecond}
	h.det.events <- vad.Event{Type: vad.EventAutoStop, At: at, Reason: vad.AutoStopSilence}

	for _, conn := range []*websocket.Conn{a, b} {
		var ev EventMessage
		readType(t, conn, TypeEvent, &ev)
		if ev.Event != "silence" || ev.SilenceMs != 1200 || !ev.At.Equal(at) {
			t.Errorf("first event = %+v, want silence (volume is not forwarded)", ev)
		}
		readType(t, conn, TypeEvent, &ev)
		if ev.Event != "auto_stop" || ev.Reason != "silence" {
			t.Errorf("second event = %+v", ev)
		}
	}
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.dial(t)
	waitFor(t, func() bool { return h.hub.Clients() == 1 })

	h.stop()
	if err := <-h.done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	h.done <- nil // for cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatal("connection not closed after shutdown")
			}
			break
		}
	}
	waitFor(t, func() bool { return h.hub.Clients() == 0 })

	// New clients are refused.
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/vad"
	c2, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c2.Close(websocket.StatusNormalClosure, "")
	_, _, err = c2.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after shutdown = %v, want going away", err)
	}
}

func TestHub_RequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, httpauth.Bearer("tok"))
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/vad"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, resp, err := websocket.Dial(ctx, url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token: err = %v", err)
	}

	conn, _, err := websocket.Dial(ctx, url+"?"+httpauth.QueryParam+"=tok", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
