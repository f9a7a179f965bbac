package pulltask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go_rex/internal/event"
	"go_rex/internal/jobstore"
	"go_rex/internal/memstore"
	"go_rex/internal/otp"
	"go_rex/internal/plan"
	"go_rex/internal/scripts"
	"go_rex/internal/transport"

	"github.com/sirupsen/logrus"
)

// NotifierResolver returns the notifier announcing tasks of a variant
type NotifierResolver interface {
	Resolve(variant Variant) (transport.Notifier, error)
}

// Deps are the collaborators of a Service
type Deps struct {
	Registry     *jobstore.Registry
	Tokens       otp.Manager
	Files        memstore.Store
	Plans        plan.Store
	States       StateStore
	Notifiers    NotifierResolver
	CallbackHost string
	Logger       *logrus.Entry
	Observers    []Observer
	// Now defaults to time.Now
	Now func() time.Time
}

// Service runs pull tasks. Operations on the same task are serialized.
type Service struct {
	registry     *jobstore.Registry
	tokens       otp.Manager
	files        memstore.Store
	plans        plan.Store
	states       StateStore
	notifiers    NotifierResolver
	callbackHost string
	logger       *logrus.Entry
	observers    []Observer
	now          func() time.Time

	locks *keyedLocker
}

// NewService creates a Service
func NewService(deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry:     deps.Registry,
		tokens:       deps.Tokens,
		files:        deps.Files,
		plans:        deps.Plans,
		states:       deps.States,
		notifiers:    deps.Notifiers,
		callbackHost: deps.CallbackHost,
		logger:       deps.Logger.WithField("component", "pulltask"),
		observers:    deps.Observers,
		now:          now,
		locks:        newKeyedLocker(),
	}
}

func (s *Service) taskLogger(state State) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"task_id": state.TaskID,
		"host":    state.Host,
		"step_id": state.StepID,
	})
}

func (s *Service) emit(ctx context.Context, change Change) {
	for _, o := range s.observers {
		o.TaskUpdated(ctx, change)
	}
}

// Start stages the task payload, issues its callback token, queues the job for the host
// and announces it. The task then suspends until the first event.
func (s *Service) Start(ctx context.Context, in Input) (Outcome, error) {
	if err := in.validate(); err != nil {
		return Outcome{}, err
	}
	variant, _ := ParseVariant(string(in.Variant))

	unlock := s.locks.Lock(in.TaskID)
	defer unlock()

	existing, err := s.states.Load(ctx, in.TaskID)
	switch {
	case err == nil && existing.Phase != PhaseInitializing:
		return Outcome{}, fmt.Errorf("%w: task %s is %s", ErrAlreadyStarted, in.TaskID, existing.Phase)
	case err != nil && !errors.Is(err, ErrStateNotFound):
		return Outcome{}, err
	}

	notifier, err := s.notifiers.Resolve(variant)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	job := jobstore.Job{ExecutionPlanID: in.ExecutionPlanID, ActionID: in.ActionID}
	unlockJob := s.locks.Lock(jobLockKey(job))
	defer unlockJob()
	owner, err := s.jobOwner(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	if owner != "" && owner != in.TaskID {
		return Outcome{}, fmt.Errorf("%w: action %d of plan %s is held by task %s",
			ErrAlreadyStarted, job.ActionID, job.ExecutionPlanID, owner)
	}

	now := s.now()
	state := State{
		TaskID:          in.TaskID,
		ExecutionPlanID: in.ExecutionPlanID,
		StepID:          in.StepID,
		ActionID:        in.ActionID,
		Host:            in.Host,
		Variant:         variant,
		Phase:           PhaseInitializing,
		Output:          []event.Chunk{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	log := s.taskLogger(state)

	if err := s.states.Save(ctx, state); err != nil {
		return Outcome{}, err
	}

	notification, err := s.prepare(ctx, state, in.Script)
	if err != nil {
		log.WithError(err).Error("Failed to start task")
		s.release(ctx, state)
		if delErr := s.states.Delete(ctx, state.TaskID); delErr != nil {
			log.WithError(delErr).Warn("Failed to drop state of failed start")
		}
		return Outcome{}, err
	}

	s.registry.Register(state.Host, state.Job())

	state.Phase = PhaseAwaitingEvent
	state.UpdatedAt = s.now()
	if err := s.states.Save(ctx, state); err != nil {
		s.registry.Unregister(state.Host, state.Job())
		s.release(ctx, state)
		return Outcome{}, err
	}
	s.emit(ctx, Change{Kind: ChangeStarted, State: state.Clone()})

	// The job is already listed, so a failed announcement only delays pickup until the next poll.
	if err := notifier.Notify(ctx, notification); err != nil {
		log.WithError(err).Warn("Failed to notify host, agent will find the job by polling")
		s.emit(ctx, Change{Kind: ChangeNotifyFailed, State: state.Clone(), Err: err})
	}

	log.WithField("variant", variant).Info("Task started, awaiting events")
	return Outcome{Phase: state.Phase, Suspended: true}, nil
}

func jobLockKey(job jobstore.Job) string {
	return fmt.Sprintf("job:%s:%d", job.ExecutionPlanID, job.ActionID)
}

// jobOwner returns the task that holds job and has not been stopped yet, or ""
func (s *Service) jobOwner(ctx context.Context, job jobstore.Job) (string, error) {
	p, err := s.plans.LoadPlan(ctx, job.ExecutionPlanID)
	if errors.Is(err, plan.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	action, err := s.plans.LoadAction(ctx, p, job.ActionID)
	if errors.Is(err, plan.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var held transport.Notification
	if err := json.Unmarshal(action.Payload, &held); err != nil || held.TaskID == "" {
		return "", nil
	}
	state, err := s.states.Load(ctx, held.TaskID)
	if errors.Is(err, ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if state.Phase == PhaseStopped {
		return "", nil
	}
	return held.TaskID, nil
}

// prepare issues the token, stages the files and records the action payload the listing serves
func (s *Service) prepare(ctx context.Context, state State, script string) (transport.Notification, error) {
	token, err := s.tokens.Issue(ctx, state.TaskID)
	if err != nil {
		return transport.Notification{}, fmt.Errorf("failed to issue callback token: %w", err)
	}

	stager := scripts.NewStager(s.files, scripts.Params{
		TaskID:       state.TaskID,
		StepID:       state.StepID,
		CallbackHost: s.callbackHost,
		OTP:          token,
		Script:       script,
	})
	if err := stager.Stage(ctx); err != nil {
		return transport.Notification{}, err
	}

	notification := transport.Notification{
		Host:         state.Host,
		CallbackHost: s.callbackHost,
		TaskID:       state.TaskID,
		StepID:       state.StepID,
		OTP:          token,
		Files:        stager.References(),
		Main:         scripts.MainFile,
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return transport.Notification{}, fmt.Errorf("failed to encode job payload: %w", err)
	}

	err = s.plans.SaveAction(ctx, plan.Action{
		ExecutionPlanID: state.ExecutionPlanID,
		ActionID:        state.ActionID,
		RunStepID:       state.StepID,
		Payload:         payload,
	})
	if err != nil {
		return transport.Notification{}, err
	}
	return notification, nil
}

// release revokes the token and drops the staged files. Failures are logged.
func (s *Service) release(ctx context.Context, state State) error {
	log := s.taskLogger(state)
	var errs []error
	if err := s.tokens.Revoke(ctx, state.TaskID); err != nil {
		log.WithError(err).Warn("Failed to revoke callback token")
		errs = append(errs, err)
	}
	if err := s.files.Drop(ctx, state.TaskID); err != nil {
		log.WithError(err).Warn("Failed to drop staged files")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) load(ctx context.Context, taskID string) (State, error) {
	state, err := s.states.Load(ctx, taskID)
	if errors.Is(err, ErrStateNotFound) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return state, err
}

// Resume applies one agent event. Output is appended in arrival order and the first exit code
// terminates the task.
func (s *Service) Resume(ctx context.Context, taskID string, ev event.Event) (Outcome, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.resume(ctx, taskID, ev)
}

func (s *Service) resume(ctx context.Context, taskID string, ev event.Event) (Outcome, error) {
	state, err := s.load(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	log := s.taskLogger(state)

	switch {
	case state.Phase.Closed():
		log.WithField("phase", state.Phase).Debug("Ignoring event for closed task")
		return Outcome{Phase: state.Phase}, ErrTaskClosed
	case state.Phase != PhaseAwaitingEvent:
		return Outcome{Phase: state.Phase}, ErrNotAwaiting
	}

	update, err := event.Decode(ev, s.now())
	if err != nil {
		return Outcome{Phase: state.Phase, Suspended: true}, err
	}
	if update.Empty() {
		log.Debug("Event carries neither output nor exit code")
		return Outcome{Phase: state.Phase, Suspended: true}, nil
	}

	state.Output = append(state.Output, update.Chunks...)
	if update.Terminal() {
		code := *update.ExitCode
		state.ExitStatus = &code
		state.Phase = PhaseTerminated
	}
	state.UpdatedAt = s.now()

	if err := s.states.Save(ctx, state); err != nil {
		return Outcome{}, err
	}
	s.emit(ctx, Change{Kind: ChangeEvent, State: state.Clone(), Chunks: update.Chunks})

	if state.Phase == PhaseTerminated {
		log.WithField("exit_status", *state.ExitStatus).Info("Task terminated")
		return Outcome{Phase: state.Phase}, nil
	}
	return Outcome{Phase: state.Phase, Suspended: true}, nil
}

// Finalize reports the result of a task from its recorded exit status
func (s *Service) Finalize(ctx context.Context, taskID string) (Result, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.finalize(ctx, taskID)
}

func (s *Service) finalize(ctx context.Context, taskID string) (Result, error) {
	state, err := s.load(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	log := s.taskLogger(state)

	result := Result{TaskID: state.TaskID, ExitStatus: state.ExitStatus, Output: state.Output}
	var failure error
	switch {
	case state.ExitStatus == nil:
		log.Warn("Task finalized without an exit status")
		failure = ErrMissingExitStatus
	case *state.ExitStatus != 0:
		log.WithField("exit_status", *state.ExitStatus).Info("Task failed")
		failure = ErrScriptFailed
	default:
		result.Success = true
	}

	s.emit(ctx, Change{Kind: ChangeFinalized, State: state.Clone(), Err: failure})
	return result, failure
}

// Stop releases everything the task holds. It is safe to call in any phase and more than once.
// Once stopped, the task rejects events. Cleanup failures are returned after the task is marked stopped.
func (s *Service) Stop(ctx context.Context, taskID string) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.stop(ctx, taskID)
}

func (s *Service) stop(ctx context.Context, taskID string) error {
	state, err := s.states.Load(ctx, taskID)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.Phase == PhaseStopped {
		return nil
	}

	s.registry.Unregister(state.Host, state.Job())
	releaseErr := s.release(ctx, state)

	state.Phase = PhaseStopped
	state.UpdatedAt = s.now()
	if err := s.states.Save(ctx, state); err != nil {
		return errors.Join(err, releaseErr)
	}
	s.emit(ctx, Change{Kind: ChangeStopped, State: state.Clone()})
	s.taskLogger(state).Info("Task stopped")
	return releaseErr
}

// Get returns the current state of a task
func (s *Service) Get(ctx context.Context, taskID string) (State, error) {
	return s.load(ctx, taskID)
}

// Complete finalizes a task and then stops it
func (s *Service) Complete(ctx context.Context, taskID string) (Result, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.complete(ctx, taskID)
}

func (s *Service) complete(ctx context.Context, taskID string) (Result, error) {
	result, failure := s.finalize(ctx, taskID)
	if errors.Is(failure, ErrUnknownTask) {
		return result, failure
	}
	if err := s.stop(ctx, taskID); err != nil {
		s.logger.WithField("task_id", taskID).WithError(err).Warn("Cleanup after completion failed")
	}
	return result, failure
}

// Deliver resumes a task with an agent event and completes it when the event terminates it.
// The returned Result is only set when the task completed.
func (s *Service) Deliver(ctx context.Context, taskID string, ev event.Event) (Outcome, *Result, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	outcome, err := s.resume(ctx, taskID, ev)
	if err != nil || outcome.Suspended {
		return outcome, nil, err
	}

	result, failure := s.complete(ctx, taskID)
	if failure != nil && !errors.Is(failure, ErrScriptFailed) && !errors.Is(failure, ErrMissingExitStatus) {
		return outcome, nil, failure
	}
	outcome.Phase = PhaseStopped
	return outcome, &result, nil
}

// Abort stops a task that is still awaiting events, leaving terminated and stopped tasks alone
func (s *Service) Abort(ctx context.Context, taskID string) (bool, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	state, err := s.load(ctx, taskID)
	if err != nil {
		return false, err
	}
	if state.Phase != PhaseAwaitingEvent {
		return false, nil
	}
	s.taskLogger(state).Warn("Aborting task that never reported an exit status")
	return true, s.stop(ctx, taskID)
}

// Purge deletes states of stopped tasks last touched before cutoff
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.states.ListByPhase(ctx, PhaseStopped, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, state := range stale {
		unlock := s.locks.Lock(state.TaskID)
		current, err := s.states.Load(ctx, state.TaskID)
		if err == nil && current.Phase == PhaseStopped && current.UpdatedAt.Before(cutoff) {
			err = s.states.Delete(ctx, state.TaskID)
			if err == nil {
				purged++
			}
		}
		unlock()
		if err != nil && !errors.Is(err, ErrStateNotFound) {
			return purged, err
		}
	}
	return purged, nil
}

// Expire stops terminated tasks that were not completed before cutoff
func (s *Service) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.states.ListByPhase(ctx, PhaseTerminated, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, state := range stale {
		unlock := s.locks.Lock(state.TaskID)
		current, err := s.states.Load(ctx, state.TaskID)
		if err == nil && current.Phase == PhaseTerminated && current.UpdatedAt.Before(cutoff) {
			err = s.stop(ctx, state.TaskID)
			if err == nil {
				expired++
			}
		}
		unlock()
		if err != nil && !errors.Is(err, ErrStateNotFound) {
			return expired, err
		}
	}
	return expired, nil
}

// Awaiting returns tasks awaiting events since before cutoff
func (s *Service) Awaiting(ctx context.Context, cutoff time.Time) ([]State, error) {
	return s.states.ListByPhase(ctx, PhaseAwaitingEvent, cutoff)
}
