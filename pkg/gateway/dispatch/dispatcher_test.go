package dispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

type fakeChannel struct {
	connected  bool
	sends      int
	send       func(action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error)
	controls   []proto.ControlKind
	controlErr error
}

func (f *fakeChannel) Connected() bool { return f.connected }

func (f *fakeChannel) Send(_ context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
	f.sends++
	return f.send(action, params, confirmed)
}

func (f *fakeChannel) SendControl(_ context.Context, kind proto.ControlKind) error {
	if f.controlErr != nil {
		return f.controlErr
	}
	f.controls = append(f.controls, kind)
	return nil
}

type fakeFallback struct {
	executes int
	execute  func(action string) (*proto.ActionResponse, error)
	healthy  bool
	target   string
}

func (f *fakeFallback) Execute(_ context.Context, action string, _ map[string]any, _ bool) (*proto.ActionResponse, error) {
	f.executes++
	return f.execute(action)
}

func (f *fakeFallback) Healthy(context.Context) bool { return f.healthy }
func (f *fakeFallback) Target() string               { return f.target }

type memStore struct {
	responses map[string]string
	getErr    error
	putErr    error
}

func newMemStore() *memStore {
	return &memStore{responses: make(map[string]string)}
}

func (m *memStore) PutIdempotentResponse(taskID, key, response string) error {
	if m.putErr != nil {
		return m.putErr
	}
	// First write wins, like INSERT OR IGNORE.
	if _, ok := m.responses[taskID+"/"+key]; !ok {
		m.responses[taskID+"/"+key] = response
	}
	return nil
}

func (m *memStore) GetIdempotentResponse(taskID, key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	resp, ok := m.responses[taskID+"/"+key]
	return resp, ok, nil
}

type dispatchRecord struct {
	transport string
	action    string
	status    string
}

type fakeRecorder struct {
	dispatches []dispatchRecord
}

func (f *fakeRecorder) ObserveDispatch(transport, action, status string, _ time.Duration) {
	f.dispatches = append(f.dispatches, dispatchRecord{transport, action, status})
}
func (f *fakeRecorder) ObserveChat(string, string, string, int, int, time.Duration) {}
func (f *fakeRecorder) AgentEvent(string)                                          {}
func (f *fakeRecorder) SetAgentConnected(bool)                                     {}

func okResponse(stdout string) *proto.ActionResponse {
	return &proto.ActionResponse{
		RequestID: "req_test_1",
		Status:    proto.StatusOK,
		Action:    "git_status",
		Result:    &proto.ActionResult{Returncode: 0, Stdout: stdout},
	}
}

func TestDispatchPrefersChannel(t *testing.T) {
	ch := &fakeChannel{
		connected: true,
		send: func(action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
			if action != "git_status" || !confirmed {
				t.Errorf("send got action=%s confirmed=%v", action, confirmed)
			}
			return okResponse("clean"), nil
		},
	}
	fb := &fakeFallback{execute: func(string) (*proto.ActionResponse, error) {
		t.Fatal("fallback must not run while the channel is up")
		return nil, nil
	}}
	rec := &fakeRecorder{}
	d := New(ch, fb, nil, rec)

	resp, err := d.Dispatch(context.Background(), "git_status", nil, true)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Result.Stdout != "clean" {
		t.Errorf("stdout = %q", resp.Result.Stdout)
	}
	if len(rec.dispatches) != 1 || rec.dispatches[0] != (dispatchRecord{"channel", "git_status", "ok"}) {
		t.Errorf("dispatch records = %+v", rec.dispatches)
	}
}

func TestDispatchFallsBackToSSH(t *testing.T) {
	ch := &fakeChannel{connected: false}
	fb := &fakeFallback{execute: func(action string) (*proto.ActionResponse, error) {
		return okResponse("via ssh"), nil
	}}
	rec := &fakeRecorder{}
	d := New(ch, fb, nil, rec)

	resp, err := d.Dispatch(context.Background(), "git_status", nil, false)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Result.Stdout != "via ssh" {
		t.Errorf("stdout = %q", resp.Result.Stdout)
	}
	if len(rec.dispatches) != 1 || rec.dispatches[0].transport != "ssh" {
		t.Errorf("dispatch records = %+v", rec.dispatches)
	}
}

func TestDispatchNoExecutor(t *testing.T) {
	d := New(&fakeChannel{}, nil, nil, nil)

	_, err := d.Dispatch(context.Background(), "git_status", nil, false)
	if !oops.Is(err, oops.CodeNoExecutor) {
		t.Errorf("expected no_executor, got %v", err)
	}
}

func TestDispatchRecordsTransportErrorCode(t *testing.T) {
	ch := &fakeChannel{
		connected: true,
		send: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			return nil, oops.New(oops.KindTransport, oops.CodeTimeout, "agent did not respond")
		},
	}
	rec := &fakeRecorder{}
	d := New(ch, nil, nil, rec)

	_, err := d.Dispatch(context.Background(), "run_tests", nil, false)
	if !oops.Is(err, oops.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(rec.dispatches) != 1 || rec.dispatches[0].status != oops.CodeTimeout {
		t.Errorf("dispatch records = %+v", rec.dispatches)
	}
}

func TestDispatchRecordedReplaysStoredBytes(t *testing.T) {
	calls := 0
	ch := &fakeChannel{
		connected: true,
		send: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			calls++
			return okResponse("first run"), nil
		},
	}
	d := New(ch, nil, newMemStore(), nil)

	first, err := d.DispatchRecorded(context.Background(), "task1", "step-3", "git_status", nil, false)
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if first.Replayed {
		t.Error("first dispatch must not be a replay")
	}

	// The action must not run again; the recorded bytes come back as-is.
	ch.send = func(string, map[string]any, bool) (*proto.ActionResponse, error) {
		return okResponse("second run"), nil
	}
	second, err := d.DispatchRecorded(context.Background(), "task1", "step-3", "git_status", nil, false)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Replayed {
		t.Error("second dispatch should replay")
	}
	if !bytes.Equal(first.Raw, second.Raw) {
		t.Errorf("replayed bytes differ:\n%s\n%s", first.Raw, second.Raw)
	}
	if calls != 1 {
		t.Errorf("action ran %d times, want 1", calls)
	}
	if second.Response.Result.Stdout != "first run" {
		t.Errorf("replayed stdout = %q", second.Response.Result.Stdout)
	}
}

func TestDispatchRecordedWithoutKey(t *testing.T) {
	ch := &fakeChannel{
		connected: true,
		send: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			return okResponse("ran"), nil
		},
	}
	store := newMemStore()
	d := New(ch, nil, store, nil)

	rec, err := d.DispatchRecorded(context.Background(), "task1", "", "git_status", nil, false)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if rec.Replayed {
		t.Error("keyless dispatch must not replay")
	}
	if len(store.responses) != 0 {
		t.Errorf("keyless dispatch must not record, store has %v", store.responses)
	}
}

func TestDispatchRecordedSurvivesStoreFailure(t *testing.T) {
	ch := &fakeChannel{
		connected: true,
		send: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			return okResponse("live"), nil
		},
	}
	store := newMemStore()
	store.getErr = errors.New("db locked")
	d := New(ch, nil, store, nil)

	rec, err := d.DispatchRecorded(context.Background(), "task1", "step-1", "git_status", nil, false)
	if err != nil {
		t.Fatalf("store failure must not fail dispatch: %v", err)
	}
	if rec.Replayed || rec.Response.Result.Stdout != "live" {
		t.Errorf("recorded = %+v", rec)
	}
}

func TestDispatchRecordedDoesNotRecordDeliveryFailure(t *testing.T) {
	ch := &fakeChannel{
		connected: true,
		send: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			return nil, oops.New(oops.KindTransport, oops.CodeAgentDisconnected, "agent disconnected")
		},
	}
	store := newMemStore()
	d := New(ch, nil, store, nil)

	_, err := d.DispatchRecorded(context.Background(), "task1", "step-1", "git_status", nil, false)
	if !oops.Is(err, oops.CodeAgentDisconnected) {
		t.Fatalf("expected agent_disconnected, got %v", err)
	}
	if len(store.responses) != 0 {
		t.Errorf("delivery failures must not be recorded, store has %v", store.responses)
	}
}

func TestControlDeliveredOverChannel(t *testing.T) {
	ch := &fakeChannel{connected: true}
	d := New(ch, nil, nil, nil)

	delivered, err := d.Control(context.Background(), proto.ControlEmergencyStop)
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	if len(ch.controls) != 1 || ch.controls[0] != proto.ControlEmergencyStop {
		t.Errorf("controls = %v", ch.controls)
	}
}

func TestControlNotApplicableInSSHMode(t *testing.T) {
	ch := &fakeChannel{connected: false}
	fb := &fakeFallback{healthy: true, target: "dev@workstation"}
	d := New(ch, fb, nil, nil)

	delivered, err := d.Control(context.Background(), proto.ControlResume)
	if err != nil {
		t.Fatalf("Control failed: %v", err)
	}
	if delivered {
		t.Error("control has nowhere to go in ssh mode")
	}
	if len(ch.controls) != 0 {
		t.Errorf("controls = %v", ch.controls)
	}
}

func TestControlFailsWithoutAgent(t *testing.T) {
	ch := &fakeChannel{
		connected:  false,
		controlErr: oops.New(oops.KindTransport, oops.CodeAgentDisconnected, "no agent connected"),
	}
	d := New(ch, nil, nil, nil)

	delivered, err := d.Control(context.Background(), proto.ControlEmergencyStop)
	if delivered || !oops.Is(err, oops.CodeAgentDisconnected) {
		t.Errorf("delivered=%v err=%v", delivered, err)
	}
}

func TestFallbackSurface(t *testing.T) {
	d := New(&fakeChannel{}, nil, nil, nil)
	if d.FallbackConfigured() || d.FallbackHealthy(context.Background()) || d.FallbackTarget() != "" {
		t.Error("nil fallback should report unconfigured")
	}

	fb := &fakeFallback{healthy: true, target: "dev@workstation:2222"}
	d = New(&fakeChannel{connected: true}, fb, nil, nil)
	if !d.FallbackConfigured() || !d.FallbackHealthy(context.Background()) {
		t.Error("configured fallback should report healthy")
	}
	if d.FallbackTarget() != "dev@workstation:2222" {
		t.Errorf("target = %q", d.FallbackTarget())
	}
	if !d.AgentConnected() {
		t.Error("AgentConnected should mirror the channel")
	}
}
