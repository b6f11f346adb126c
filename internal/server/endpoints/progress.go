package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/jobs"
	"github.com/jackzampolin/narrator/internal/playback"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// GetProgressEndpoint handles GET /api/users/{user}/progress/{job}.
type GetProgressEndpoint struct{}

func (e *GetProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/users/{user}/progress/{job}", e.handler
}

func (e *GetProgressEndpoint) RequiresInit() bool { return true }

func (e *GetProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.TrackerFrom(r.Context())
	p, err := tracker.Get(r.Context(), r.PathValue("user"), r.PathValue("job"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no progress recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (e *GetProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress-get <user> <job>",
		Short: "Get playback progress for a user and job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var p playback.Progress
			if err := client.Get(cmd.Context(), progressPath(args[0], args[1]), &p); err != nil {
				return err
			}
			return api.Output(p)
		},
	}
}

// UpdateProgressRequest is the body for PUT progress updates.
type UpdateProgressRequest struct {
	PositionSeconds        float64 `json:"position_seconds"`
	CurrentChapterID       string  `json:"current_chapter_id,omitempty"`
	CurrentChapterPosition float64 `json:"current_chapter_position,omitempty"`
}

// UpdateProgressEndpoint handles PUT /api/users/{user}/progress/{job}.
type UpdateProgressEndpoint struct{}

func (e *UpdateProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/users/{user}/progress/{job}", e.handler
}

func (e *UpdateProgressEndpoint) RequiresInit() bool { return true }

func (e *UpdateProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req UpdateProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tracker := svcctx.TrackerFrom(r.Context())
	p, err := tracker.Update(r.Context(), r.PathValue("user"), r.PathValue("job"), playback.Update{
		PositionSeconds:        req.PositionSeconds,
		CurrentChapterID:       req.CurrentChapterID,
		CurrentChapterPosition: req.CurrentChapterPosition,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (e *UpdateProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		position   float64
		chapterID  string
		chapterPos float64
	)
	cmd := &cobra.Command{
		Use:   "progress-update <user> <job>",
		Short: "Report a playback position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			req := UpdateProgressRequest{
				PositionSeconds:        position,
				CurrentChapterID:       chapterID,
				CurrentChapterPosition: chapterPos,
			}
			var p playback.Progress
			if err := client.Put(cmd.Context(), progressPath(args[0], args[1]), req, &p); err != nil {
				return err
			}
			return api.Output(p)
		},
	}
	cmd.Flags().Float64Var(&position, "position", 0, "playback position in seconds")
	cmd.Flags().StringVar(&chapterID, "chapter", "", "current chapter job id")
	cmd.Flags().Float64Var(&chapterPos, "chapter-position", 0, "position within the current chapter in seconds")
	return cmd
}

// ResetProgressEndpoint handles DELETE /api/users/{user}/progress/{job}.
type ResetProgressEndpoint struct{}

func (e *ResetProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/users/{user}/progress/{job}", e.handler
}

func (e *ResetProgressEndpoint) RequiresInit() bool { return true }

func (e *ResetProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.TrackerFrom(r.Context())
	if err := tracker.Reset(r.Context(), r.PathValue("user"), r.PathValue("job")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *ResetProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress-reset <user> <job>",
		Short: "Reset playback progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), progressPath(args[0], args[1]))
		},
	}
}

// RecentProgressResponse is the response for the recent listening list.
type RecentProgressResponse struct {
	Progress []playback.Progress `json:"progress"`
}

// RecentProgressEndpoint handles GET /api/users/{user}/progress.
type RecentProgressEndpoint struct{}

func (e *RecentProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/users/{user}/progress", e.handler
}

func (e *RecentProgressEndpoint) RequiresInit() bool { return true }

func (e *RecentProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tracker := svcctx.TrackerFrom(r.Context())
	list, err := tracker.ListRecent(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RecentProgressResponse{Progress: list})
}

func (e *RecentProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "progress-recent <user>",
		Short: "List recently played jobs for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/users/" + url.PathEscape(args[0]) + "/progress?limit=" + strconv.Itoa(limit)
			var resp RecentProgressResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to return")
	return cmd
}

func progressPath(user, job string) string {
	return "/api/users/" + url.PathEscape(user) + "/progress/" + url.PathEscape(job)
}
