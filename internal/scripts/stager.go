// Package scripts builds and stages the files a pull agent fetches to run a task.
package scripts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"go_rex/internal/memstore"
)

// MainFile is the entry point the agent executes
const MainFile = "main.sh"

// PeriodicUpdateInterval is how often, in seconds, control.sh reports output while the script runs
const PeriodicUpdateInterval = 15

// FileNames lists the staged files in the order they are announced to the agent
var FileNames = []string{"control.sh", "retrieve.sh", "env.sh", MainFile, "script.sh"}

// ControlScript controls the flow of the job on the host: it reports updates and finishes the task.
//
//go:embed assets/control.sh
var ControlScript string

// RetrieveScript always prints at least one line, "RUNNING" or "DONE <exit code>",
// followed by the output gathered since the previous call.
//
//go:embed assets/retrieve.sh
var RetrieveScript string

// Params describes the task a Stager prepares files for
type Params struct {
	TaskID       string
	StepID       string
	CallbackHost string
	OTP          string
	Script       string
}

// Stager materializes the files of one (task, step) into a memstore.Store.
// Staging happens at most once per Stager.
type Stager struct {
	store  memstore.Store
	params Params

	mu     sync.Mutex
	staged bool
}

// NewStager creates a stager for one task step
func NewStager(store memstore.Store, params Params) *Stager {
	return &Stager{store: store, params: params}
}

// Stage writes env.sh, control.sh, retrieve.sh, script.sh and main.sh.
// Calls after the first successful one do nothing.
func (s *Stager) Stage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged {
		return nil
	}

	for name, content := range s.Files() {
		if err := s.store.Add(ctx, s.params.TaskID, s.params.StepID, name, content); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}
	s.staged = true
	return nil
}

// Staged reports whether Stage completed
func (s *Stager) Staged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}

// Drop removes the staged files of the task
func (s *Stager) Drop(ctx context.Context) error {
	return s.store.Drop(ctx, s.params.TaskID)
}

// Files returns the content of every staged file keyed by name
func (s *Stager) Files() map[string]string {
	return map[string]string{
		"env.sh":      EnvScript(s.params),
		"control.sh":  ControlScript,
		"retrieve.sh": RetrieveScript,
		"script.sh":   Sanitize(s.params.Script),
		MainFile:      InitializationScript(),
	}
}

// References returns the paths the agent fetches the staged files from
func (s *Stager) References() []string {
	return References(s.params.TaskID, s.params.StepID)
}

// References returns the fetch paths of the staged files of a task step
func References(taskID, stepID string) []string {
	refs := make([]string, 0, len(FileNames))
	for _, name := range FileNames {
		refs = append(refs, FilePath(taskID, stepID, name))
	}
	return refs
}

// FilePath is the fetch path of one staged file
func FilePath(taskID, stepID, name string) string {
	return fmt.Sprintf("/dynflow/tasks/store/%s/%s/%s", taskID, stepID, name)
}

// EnvScript sets the dynamic values as shell variables; it is sourced by the control scripts.
// Values are single-quoted so the shell never expands them.
func EnvScript(p Params) string {
	return fmt.Sprintf("CALLBACK_HOST=%s\nTASK_ID=%s\nSTEP_ID=%s\nOTP=%s\n",
		shellQuote(p.CallbackHost), shellQuote(p.TaskID), shellQuote(p.StepID), shellQuote(p.OTP))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// InitializationScript backgrounds script.sh, records its exit code into init_exit_code
// and hands control to control.sh once it finishes.
func InitializationScript() string {
	closeStdin := "</dev/null"
	closeFds := closeStdin + " >/dev/null 2>/dev/null"
	mainScript := fmt.Sprintf("(./script.sh %s 2>&1; echo $?>init_exit_code)", closeStdin)
	finish := "./control.sh init-script-finish"

	var b strings.Builder
	b.WriteString("export CONTROL_SCRIPT=\"$(readlink -f control.sh)\"\n")
	fmt.Fprintf(&b, "export PERIODIC_UPDATE_INTERVAL=%d\n", PeriodicUpdateInterval)
	fmt.Fprintf(&b, "sh -c '%s | ./control.sh update; %s' %s &\n", mainScript, finish, closeFds)
	b.WriteString("echo $! > pid\n")
	return b.String()
}

// Sanitize normalizes line endings of the user script
func Sanitize(script string) string {
	return strings.ReplaceAll(script, "\r\n", "\n")
}
