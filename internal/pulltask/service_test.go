package pulltask

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"go_rex/internal/event"
	"go_rex/internal/jobstore"
	"go_rex/internal/memstore"
	"go_rex/internal/otp"
	"go_rex/internal/plan"
	"go_rex/internal/scripts"
	"go_rex/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []transport.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg transport.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) Sent() []transport.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

type staticResolver map[Variant]transport.Notifier

func (r staticResolver) Resolve(v Variant) (transport.Notifier, error) {
	n, ok := r[v]
	if !ok {
		return nil, fmt.Errorf("no notifier for %s", v)
	}
	return n, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) TaskUpdated(_ context.Context, change Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *changeLog) Kinds() []ChangeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]ChangeKind, 0, len(l.changes))
	for _, c := range l.changes {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

type fixture struct {
	svc      *Service
	registry *jobstore.Registry
	tokens   *otp.MemoryManager
	files    *memstore.MemoryStore
	plans    *plan.MemoryStore
	states   *MemoryStateStore
	polling  *recordingNotifier
	broker   *recordingNotifier
	clock    *fakeClock
	changes  *changeLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		registry: jobstore.New(),
		tokens:   otp.NewMemoryManager(otp.Config{TTL: time.Hour, HashCost: bcrypt.MinCost}),
		files:    memstore.NewMemoryStore(),
		plans:    plan.NewMemoryStore(),
		states:   NewMemoryStateStore(),
		polling:  &recordingNotifier{},
		broker:   &recordingNotifier{},
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		changes:  &changeLog{},
	}
	f.svc = NewService(Deps{
		Registry:     f.registry,
		Tokens:       f.tokens,
		Files:        f.files,
		Plans:        f.plans,
		States:       f.states,
		Notifiers:    staticResolver{VariantPull: f.polling, VariantPullMQTT: f.broker},
		CallbackHost: "https://rex.example.com",
		Logger:       logrus.NewEntry(logger),
		Observers:    []Observer{f.changes},
		Now:          f.clock.Now,
	})
	return f
}

func testInput(taskID string) Input {
	return Input{
		TaskID:          taskID,
		ExecutionPlanID: "plan-" + taskID,
		StepID:          "3",
		ActionID:        7,
		Host:            "h1",
		Script:          "echo hello",
	}
}

func b64(s string) *string {
	v := base64.StdEncoding.EncodeToString([]byte(s))
	return &v
}

func exit(code int) *int {
	return &code
}

func (f *fixture) start(t *testing.T, in Input) transport.Notification {
	t.Helper()
	outcome, err := f.svc.Start(context.Background(), in)
	require.NoError(t, err)
	require.True(t, outcome.Suspended)

	sent := f.polling.Sent()
	if in.Variant == VariantPullMQTT {
		sent = f.broker.Sent()
	}
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func TestService_StartPreparesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := testInput("T1")

	n := f.start(t, in)

	job := jobstore.Job{ExecutionPlanID: "plan-T1", ActionID: 7}
	assert.True(t, f.registry.Contains("h1", job))

	assert.Equal(t, "h1", n.Host)
	assert.Equal(t, "T1", n.TaskID)
	assert.Equal(t, "3", n.StepID)
	assert.Equal(t, "https://rex.example.com", n.CallbackHost)
	assert.Equal(t, scripts.MainFile, n.Main)
	assert.ElementsMatch(t, scripts.References("T1", "3"), n.Files)

	ok, err := f.tokens.Verify(ctx, "T1", n.OTP)
	require.NoError(t, err)
	assert.True(t, ok)

	script, err := f.files.Get(ctx, "T1", "3", "script.sh")
	require.NoError(t, err)
	assert.Equal(t, "echo hello", script)

	p, err := f.plans.LoadPlan(ctx, "plan-T1")
	require.NoError(t, err)
	action, err := f.plans.LoadAction(ctx, p, 7)
	require.NoError(t, err)
	assert.Equal(t, "3", action.RunStepID)

	var payload transport.Notification
	require.NoError(t, json.Unmarshal(action.Payload, &payload))
	assert.Equal(t, n.OTP, payload.OTP)
	assert.Equal(t, n.Main, payload.Main)

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingEvent, state.Phase)
	assert.Empty(t, state.Output)
	assert.Nil(t, state.ExitStatus)
	assert.Equal(t, []ChangeKind{ChangeStarted}, f.changes.Kinds())
}

func TestService_VariantSelectsNotifier(t *testing.T) {
	f := newFixture(t)
	in := testInput("T1")
	in.Variant = VariantPullMQTT

	f.start(t, in)

	assert.Empty(t, f.polling.Sent())
	assert.Len(t, f.broker.Sent(), 1)
}

func TestService_StartValidatesInput(t *testing.T) {
	f := newFixture(t)

	cases := map[string]func(*Input){
		"missing task":    func(in *Input) { in.TaskID = "" },
		"missing plan":    func(in *Input) { in.ExecutionPlanID = "" },
		"missing step":    func(in *Input) { in.StepID = "" },
		"missing action":  func(in *Input) { in.ActionID = 0 },
		"missing host":    func(in *Input) { in.Host = "" },
		"unknown variant": func(in *Input) { in.Variant = "ssh" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := testInput("T1")
			mutate(&in)
			_, err := f.svc.Start(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, f.registry.Hosts())
}

func TestService_StartTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t, testInput("T1"))

	_, err := f.svc.Start(context.Background(), testInput("T1"))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestService_StartRejectsJobHeldByAnotherTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := testInput("T1")
	n1 := f.start(t, first)

	second := testInput("T2")
	second.ExecutionPlanID = first.ExecutionPlanID
	second.Host = "h2"
	_, err := f.svc.Start(ctx, second)
	require.ErrorIs(t, err, ErrAlreadyStarted)

	// The listed payload still belongs to the first task
	p, err := f.plans.LoadPlan(ctx, first.ExecutionPlanID)
	require.NoError(t, err)
	action, err := f.plans.LoadAction(ctx, p, first.ActionID)
	require.NoError(t, err)
	var payload transport.Notification
	require.NoError(t, json.Unmarshal(action.Payload, &payload))
	assert.Equal(t, "T1", payload.TaskID)
	assert.Equal(t, n1.OTP, payload.OTP)

	assert.Equal(t, []string{"h1"}, f.registry.Hosts(), "nothing queued for h2")
	_, err = f.svc.Get(ctx, "T2")
	assert.ErrorIs(t, err, ErrUnknownTask)

	// Once the holder is stopped the job can be reused
	require.NoError(t, f.svc.Stop(ctx, "T1"))
	f.start(t, second)
	job := jobstore.Job{ExecutionPlanID: first.ExecutionPlanID, ActionID: first.ActionID}
	assert.True(t, f.registry.Contains("h2", job))
	assert.False(t, f.registry.Contains("h1", job))
}

func TestService_NotifyFailureDoesNotFailStart(t *testing.T) {
	f := newFixture(t)
	f.polling.err = errors.New("broker down")

	outcome, err := f.svc.Start(context.Background(), testInput("T1"))
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	assert.True(t, f.registry.Contains("h1", jobstore.Job{ExecutionPlanID: "plan-T1", ActionID: 7}))
	assert.Equal(t, []ChangeKind{ChangeStarted, ChangeNotifyFailed}, f.changes.Kinds())
}

func TestService_ExitZeroSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n := f.start(t, testInput("T1"))

	outcome, err := f.svc.Resume(ctx, "T1", event.Event{Output: b64("RUNNING\nhello\n")})
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)

	outcome, err = f.svc.Resume(ctx, "T1", event.Event{Output: b64("DONE 0\nbye\n"), ExitCode: exit(0)})
	require.NoError(t, err)
	assert.False(t, outcome.Suspended)
	assert.Equal(t, PhaseTerminated, outcome.Phase)

	result, err := f.svc.Finalize(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.ExitStatus)
	assert.Equal(t, 0, *result.ExitStatus)
	require.Len(t, result.Output, 2)
	assert.Equal(t, "hello\n", result.Output[0].Output)
	assert.Equal(t, "bye\n", result.Output[1].Output)
	assert.Equal(t, event.StreamStdout, result.Output[0].Stream)

	require.NoError(t, f.svc.Stop(ctx, "T1"))
	assert.Empty(t, f.registry.Hosts())

	ok, err := f.tokens.Verify(ctx, "T1", n.OTP)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.files.Get(ctx, "T1", "3", scripts.MainFile)
	assert.ErrorIs(t, err, memstore.ErrNotFound)
}

func TestService_ExitOneFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	_, err := f.svc.Resume(ctx, "T1", event.Event{ExitCode: exit(1)})
	require.NoError(t, err)

	result, err := f.svc.Finalize(ctx, "T1")
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Equal(t, "Script execution failed", err.Error())
	assert.False(t, result.Success)
	require.NotNil(t, result.ExitStatus)
	assert.Equal(t, 1, *result.ExitStatus)
}

func TestService_StopBeforeTerminalRejectsLateEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	require.NoError(t, f.svc.Stop(ctx, "T1"))
	assert.Empty(t, f.registry.Hosts())

	_, err := f.svc.Resume(ctx, "T1", event.Event{Output: b64("late"), ExitCode: exit(0)})
	assert.ErrorIs(t, err, ErrTaskClosed)
	assert.Empty(t, f.registry.Hosts())

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, state.Phase)
	assert.Empty(t, state.Output)
	assert.Nil(t, state.ExitStatus)

	_, err = f.svc.Finalize(ctx, "T1")
	assert.ErrorIs(t, err, ErrMissingExitStatus)
}

func TestService_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	require.NoError(t, f.svc.Stop(ctx, "T1"))
	require.NoError(t, f.svc.Stop(ctx, "T1"))
	require.NoError(t, f.svc.Stop(ctx, "never-started"))

	assert.Equal(t, []ChangeKind{ChangeStarted, ChangeStopped}, f.changes.Kinds())
}

func TestService_ResumeUnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Resume(context.Background(), "missing", event.Event{ExitCode: exit(0)})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = f.svc.Finalize(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestService_ExitStatusIsSetOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	_, err := f.svc.Resume(ctx, "T1", event.Event{ExitCode: exit(0)})
	require.NoError(t, err)

	_, err = f.svc.Resume(ctx, "T1", event.Event{Output: b64("RUNNING\nmore"), ExitCode: exit(2)})
	assert.ErrorIs(t, err, ErrTaskClosed)

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, *state.ExitStatus)
	assert.Empty(t, state.Output)
}

func TestService_EmptyEventIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))
	before, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)

	outcome, err := f.svc.Resume(ctx, "T1", event.Event{})
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)

	outcome, err = f.svc.Resume(ctx, "T1", event.Event{Output: b64("RUNNING")})
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)

	after, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestService_MalformedEventLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	bad := "%%% not base64"
	_, err := f.svc.Resume(ctx, "T1", event.Event{Output: &bad, Encoding: event.EncodingBase64})
	assert.ErrorIs(t, err, event.ErrMalformed)

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingEvent, state.Phase)
	assert.Nil(t, state.ExitStatus)
}

func TestService_PlainOutputWithExitCodeTerminates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	plain := "hello world"
	outcome, err := f.svc.Resume(ctx, "T1", event.Event{Output: &plain, ExitCode: exit(0)})
	require.NoError(t, err)
	assert.Equal(t, PhaseTerminated, outcome.Phase)

	result, err := f.svc.Finalize(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Output, 1)
	assert.Equal(t, "hello world", result.Output[0].Output)
}

func TestService_OutputKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		_, err := f.svc.Resume(ctx, "T1", event.Event{Output: b64(fmt.Sprintf("RUNNING\nline %d\n", i))})
		require.NoError(t, err)
	}

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, state.Output, 5)
	for i, chunk := range state.Output {
		assert.Equal(t, fmt.Sprintf("line %d\n", i), chunk.Output)
		if i > 0 {
			assert.Greater(t, chunk.Timestamp, state.Output[i-1].Timestamp)
		}
	}
}

func TestService_DeliverCompletesTerminatedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	outcome, result, err := f.svc.Deliver(ctx, "T1", event.Event{Output: b64("RUNNING\nhi\n")})
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	assert.Nil(t, result)

	outcome, result, err = f.svc.Deliver(ctx, "T1", event.Event{ExitCode: exit(3)})
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, outcome.Phase)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, 3, *result.ExitStatus)
	assert.Empty(t, f.registry.Hosts())

	assert.Equal(t,
		[]ChangeKind{ChangeStarted, ChangeEvent, ChangeEvent, ChangeFinalized, ChangeStopped},
		f.changes.Kinds())
}

func TestService_StopRacingEventsLeavesNoJob(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.start(t, testInput("T1"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = f.svc.Deliver(ctx, "T1", event.Event{Output: b64("RUNNING\nx"), ExitCode: exit(0)})
		}()
		go func() {
			defer wg.Done()
			_ = f.svc.Stop(ctx, "T1")
		}()
		wg.Wait()

		state, err := f.svc.Get(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, PhaseStopped, state.Phase)
		assert.Empty(t, f.registry.Hosts())
	}
}

func TestService_CompleteStopsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, testInput("T1"))

	result, err := f.svc.Complete(ctx, "T1")
	assert.ErrorIs(t, err, ErrMissingExitStatus)
	assert.False(t, result.Success)

	state, err := f.svc.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, state.Phase)
	assert.Empty(t, f.registry.Hosts())
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		name    string
		want    Variant
		wantErr bool
	}{
		{"", VariantPull, false},
		{"pull", VariantPull, false},
		{"pull-mqtt", VariantPullMQTT, false},
		{"ssh", "", true},
	}
	for _, tt := range tests {
		got, err := ParseVariant(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVariant(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVariant(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func eventWithExit(code int) event.Event {
	return event.Event{ExitCode: exit(code)}
}
