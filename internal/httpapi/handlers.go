package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sendlater/internal/media"
	"sendlater/internal/schedule"
	"sendlater/internal/store"
	"sendlater/internal/transport"
	logx "sendlater/pkg/logx"
)

const maxUploadBytes = 64 << 20

// handleSend is the create-or-schedule intake: a payload with a recurrence
// (or a date+time pair) becomes a stored task with a live trigger; anything
// else is sent immediately.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	phone := strings.TrimSpace(r.FormValue("phone"))
	text := r.FormValue("text")
	if phone == "" || text == "" {
		writeError(w, http.StatusBadRequest, "phone and text are required")
		return
	}

	task := store.Task{
		Phone:        transport.NormalizeAddress(phone),
		Name:         strings.TrimSpace(r.FormValue("name")),
		Text:         text,
		ScheduleDate: strings.TrimSpace(r.FormValue("scheduleDate")),
		ScheduleTime: strings.TrimSpace(r.FormValue("scheduleTime")),
		Recurrence:   strings.TrimSpace(r.FormValue("recurrence")),
		UserEmail:    s.identity(r),
	}

	scheduled := task.Recurrence != "" ||
		(task.ScheduleDate != "" && task.ScheduleTime != "")
	if scheduled {
		if task.Recurrence == "" {
			task.Recurrence = store.RecurrenceOnce
		}
		if !store.ValidRecurrence(task.Recurrence) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown recurrence %q", task.Recurrence))
			return
		}
		// Validate the schedule before any state mutation (no upload persisted,
		// no task row, no trigger).
		trig, err := schedule.BuildTrigger(task, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// A one-shot in the past would never fire; reject it instead of
		// storing a task that silently stays dark.
		if trig.Kind == schedule.TriggerOnce && !trig.At.After(time.Now()) {
			writeError(w, http.StatusBadRequest, "scheduled time is in the past")
			return
		}
	}

	mediaPaths, err := s.persistUploads(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing upload failed: "+err.Error())
		return
	}
	task.MediaPaths = mediaPaths

	if !scheduled {
		deliveries, err := s.sender.SendNow(r.Context(), task)
		if err != nil {
			// Files already sent were deleted by the send path. The failed and
			// unsent ones stay on disk for inspection; no task references
			// them, so the daily sweep reclaims them.
			writeError(w, http.StatusBadGateway, "send failed: "+err.Error())
			return
		}
		ids := make([]string, len(deliveries))
		for i, d := range deliveries {
			ids[i] = d.ID
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "deliveries": ids})
		return
	}

	task.ID = uuid.NewString()
	task.ScheduleAt = task.DeriveScheduleAt()
	task.CreatedAt = time.Now()
	if err := s.st.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.engine.Register(task); err != nil {
		// Validated above; only a runtime-level failure lands here.
		s.log.Warn("created task not registered", logx.String("task", task.ID), logx.Err(err))
	}

	resp := map[string]any{"status": "scheduled", "recurrence": task.Recurrence, "task": task}
	if task.Recurrence == store.RecurrenceOnce {
		resp["scheduleDate"] = task.ScheduleDate
		resp["scheduleTime"] = task.ScheduleTime
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) persistUploads(r *http.Request) ([]string, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	files := r.MultipartForm.File["media"]
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(s.uploads, 0o755); err != nil {
		return nil, err
	}

	var paths []string
	for _, hdr := range files {
		path, err := s.saveUpload(hdr)
		if err != nil {
			// Don't leave half an upload set behind.
			for _, p := range paths {
				media.BestEffortDelete(p, s.log)
			}
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *Server) saveUpload(hdr *multipart.FileHeader) (string, error) {
	src, err := hdr.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(hdr.Filename))
	path := filepath.Join(s.uploads, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.st.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDs == nil {
		writeError(w, http.StatusBadRequest, "ids array is required")
		return
	}
	if _, err := s.engine.Delete(r.Context(), body.IDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleListTasks(w, r)
}

// handleReschedule patches date/time/recurrence, re-derives the display
// field, and swaps the trigger (cancel old, register new).
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		ScheduleDate string `json:"scheduleDate"`
		ScheduleTime string `json:"scheduleTime"`
		Recurrence   string `json:"recurrence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	task, err := s.st.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if body.ScheduleDate != "" {
		task.ScheduleDate = body.ScheduleDate
	}
	if body.ScheduleTime != "" {
		task.ScheduleTime = body.ScheduleTime
	}
	if body.Recurrence != "" {
		if !store.ValidRecurrence(body.Recurrence) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown recurrence %q", body.Recurrence))
			return
		}
		task.Recurrence = body.Recurrence
	}
	task.ScheduleAt = task.DeriveScheduleAt()

	trig, err := schedule.BuildTrigger(task, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if trig.Kind == schedule.TriggerOnce && !trig.At.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduled time is in the past")
		return
	}
	if err := s.st.UpdateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.engine.Reschedule(task); err != nil {
		s.log.Warn("rescheduled task not registered", logx.String("task", task.ID), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Pause(r.Context(), chi.URLParam(r, "id"))
	s.respondTask(w, task, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Resume(r.Context(), chi.URLParam(r, "id"))
	s.respondTask(w, task, err)
}

func (s *Server) respondTask(w http.ResponseWriter, task store.Task, err error) {
	if errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.ListReceipts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if receipts == nil {
		receipts = []store.ReceiptWithTask{}
	}
	writeJSON(w, http.StatusOK, receipts)
}
