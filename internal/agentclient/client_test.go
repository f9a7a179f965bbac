package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/h1", r.URL.Path)
		assert.Equal(t, "Bearer agent-secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[{"execution_plan_uuid":"P1","run_step_id":"3","action_id":7,"payload":{"task_id":"T1"}}]`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", AgentToken: "agent-secret"})
	jobs, err := c.ListJobs(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "P1", jobs[0].ExecutionPlanUUID)
	assert.Equal(t, "3", jobs[0].RunStepID)
	assert.Equal(t, 7, jobs[0].ActionID)

	var a Assignment
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &a))
	assert.Equal(t, "T1", a.TaskID)
}

func TestListJobs_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).ListJobs(context.Background(), "h1")
	assert.Error(t, err)
}

func TestFetchFile_UsesOTPAndCallbackHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer otp-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/dynflow/tasks/store/T1/3/main.sh" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "echo hi\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: "http://unused.invalid"})
	a := Assignment{CallbackHost: srv.URL, TaskID: "T1", OTP: "otp-1"}

	body, err := c.FetchFile(context.Background(), a, "/dynflow/tasks/store/T1/3/main.sh")
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(body))

	_, err = c.FetchFile(context.Background(), a, "/dynflow/tasks/store/T1/3/other.sh")
	assert.True(t, errors.Is(err, ErrTaskGone))

	a.OTP = "wrong"
	_, err = c.FetchFile(context.Background(), a, "/dynflow/tasks/store/T1/3/main.sh")
	assert.ErrorIs(t, err, ErrTaskGone)
}

func TestPostEvent(t *testing.T) {
	var got EventRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/tasks/T1/events", r.URL.Path)
		assert.Equal(t, "Bearer otp-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"code":0,"message":"success","data":null}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	out := "SGVsbG8="
	code := 0
	err := c.PostEvent(context.Background(), Assignment{TaskID: "T1", OTP: "otp-1"}, EventRequest{Output: &out, ExitCode: &code})
	require.NoError(t, err)
	require.NotNil(t, got.Output)
	assert.Equal(t, out, *got.Output)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestPostEvent_ClosedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":3004,"message":"task no longer accepts events","data":null}`)
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}).PostEvent(context.Background(), Assignment{TaskID: "T1"}, EventRequest{})
	assert.ErrorIs(t, err, ErrTaskGone)
}
