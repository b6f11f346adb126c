package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// CreateJobRequest is the body for POST /api/jobs.
type CreateJobRequest struct {
	Type        jobs.JobType    `json:"job_type"`
	Config      json.RawMessage `json:"config"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
}

// CreateJobEndpoint handles POST /api/jobs. The job is validated, persisted
// as PENDING, and enqueued for the engine workers.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	eng := svcctx.EngineFrom(r.Context())
	if eng == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not initialized")
		return
	}

	job, err := eng.Submit(r.Context(), jobs.CreateParams{
		Type:        req.Type,
		Config:      req.Config,
		ParentJobID: req.ParentJobID,
	})
	if err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (e *CreateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		jobType    string
		configJSON string
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "job-create",
		Short: "Create and enqueue a job",
		Long: `Create and enqueue a job.

The config is the job-type specific JSON document, either inline via
--job-config or from a file via --config-file.

Examples:
  narrator api job-create --type text_to_audio --job-config '{"content":"Hello."}'
  narrator api job-create --type book_processing --config-file book.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(configJSON)
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return err
				}
				raw = data
			}

			client := api.NewClient(getServerURL())
			var job jobs.Job
			req := CreateJobRequest{Type: jobs.JobType(jobType), Config: raw}
			if err := client.Post(cmd.Context(), "/api/jobs", req, &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", string(jobs.JobTypeTextToAudio), "job type: text_to_audio or book_processing")
	cmd.Flags().StringVar(&configJSON, "job-config", "{}", "job config JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "read job config JSON from file")
	return cmd
}

// GetJobResponse includes the job record plus its steps and children.
type GetJobResponse struct {
	*jobs.Job

	Steps    []jobs.Step `json:"steps,omitempty"`
	Children []jobs.Job  `json:"children,omitempty"`
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	m := svcctx.MachineFrom(r.Context())
	job, err := m.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := GetJobResponse{Job: job}
	if resp.Steps, err = m.Steps(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Type == jobs.JobTypeBookProcessing {
		if resp.Children, err = m.Children(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "job-get <id>",
		Short: "Get a job with its steps and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp GetJobResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListJobsResponse is the response for GET /api/jobs.
type ListJobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	status := jobs.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Terminal() && status != jobs.StatusPending && status != jobs.StatusProcessing {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	st := svcctx.StoreFrom(r.Context())
	list, err := st.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: list})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "job-list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))

			client := api.NewClient(getServerURL())
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), "/api/jobs?"+q.Encode(), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to return")
	return cmd
}

// CancelJobEndpoint handles POST /api/jobs/{id}/cancel.
type CancelJobEndpoint struct{}

func (e *CancelJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/cancel", e.handler
}

func (e *CancelJobEndpoint) RequiresInit() bool { return true }

func (e *CancelJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	m := svcctx.MachineFrom(r.Context())
	job, err := m.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (e *CancelJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "job-cancel <id>",
		Short: "Cancel a job (cooperative for running jobs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var job jobs.Job
			path := "/api/jobs/" + url.PathEscape(args[0]) + "/cancel"
			if err := client.Post(cmd.Context(), path, nil, &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}
