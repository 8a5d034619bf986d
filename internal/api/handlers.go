package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"lectureflow/internal/archive"
	"lectureflow/internal/domain"
	"lectureflow/internal/provider"
	"lectureflow/internal/task"
)

type submitURLRequest struct {
	URL           string `json:"url" binding:"required"`
	TaskID        string `json:"task_id"`
	LectureID     string `json:"lecture_id"`
	CallbackURL   string `json:"callback_url" binding:"omitempty,url"`
	RemainingDays int    `json:"remaining_days" binding:"gte=0"`
}

type submitFileForm struct {
	File          *multipart.FileHeader `form:"file" binding:"required"`
	TaskID        string                `form:"task_id"`
	LectureID     string                `form:"lecture_id"`
	CallbackURL   string                `form:"callback_url" binding:"omitempty,url"`
	RemainingDays int                   `form:"remaining_days" binding:"gte=0"`
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
	Tone     string `json:"tone" binding:"omitempty,oneof=blunt neutral warm"`
}

type submitResponse struct {
	TaskID      string        `json:"task_id"`
	Status      domain.Status `json:"status"`
	ProgressURL string        `json:"progress_url"`
}

type API struct {
	taskManager *task.Manager
}

const defaultSearchK = 5

func NewAPI(taskManager *task.Manager) *API {
	return &API{taskManager: taskManager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.Health)
	api := router.Group("/api/v1")
	{
		api.POST("/tasks/file", a.SubmitFile)
		api.POST("/tasks/url", a.SubmitURL)
		api.GET("/tasks/:id/progress", a.GetProgress)
		api.POST("/tasks/:id/cancel", a.CancelTask)
		api.GET("/tasks/:id/result", a.GetResult)
		api.GET("/tasks/:id/audio", a.DownloadAudio)
		api.GET("/tasks/:id/search", a.Search)
		api.GET("/tasks/:id/export", a.ExportStudyPack)
		api.POST("/tasks/:id/ask", a.Ask)
		api.GET("/progress", a.AllProgress)
	}
}

// Health reports liveness and queue pressure
func (a *API) Health(c *gin.Context) {
	queued, active := a.taskManager.Stats()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": queued, "active": active, "busy": a.taskManager.IsBusy()})
}

// SubmitFile accepts a multipart upload and queues it
func (a *API) SubmitFile(c *gin.Context) {
	var form submitFileForm
	if err := c.ShouldBind(&form); err != nil {
		log.Warn().Err(err).Msg("invalid file submission")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	file, err := form.File.Open()
	if err != nil {
		log.Warn().Err(err).Msg("cannot open uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}
	defer func() { _ = file.Close() }()

	sub, err := a.taskManager.SubmitFile(c.Request.Context(), task.FileSubmission{
		TaskID:        form.TaskID,
		Filename:      form.File.Filename,
		Body:          file,
		LectureID:     form.LectureID,
		CallbackURL:   form.CallbackURL,
		RemainingDays: form.RemainingDays,
	})
	if err != nil {
		writeError(c, form.TaskID, err)
		return
	}
	c.JSON(http.StatusAccepted, toSubmitResponse(sub))
}

// SubmitURL queues a lecture to be downloaded
func (a *API) SubmitURL(c *gin.Context) {
	var req submitURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid url submission")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	sub, err := a.taskManager.SubmitURL(c.Request.Context(), task.URLSubmission{
		TaskID:        req.TaskID,
		URL:           req.URL,
		LectureID:     req.LectureID,
		CallbackURL:   req.CallbackURL,
		RemainingDays: req.RemainingDays,
	})
	if err != nil {
		writeError(c, req.TaskID, err)
		return
	}
	c.JSON(http.StatusAccepted, toSubmitResponse(sub))
}

// GetProgress returns the progress record of a task
func (a *API) GetProgress(c *gin.Context) {
	id := c.Param("id")
	rec, ok := a.taskManager.Progress(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// AllProgress returns every tracked record keyed by task id
func (a *API) AllProgress(c *gin.Context) {
	c.JSON(http.StatusOK, a.taskManager.AllProgress())
}

// CancelTask requests cooperative cancellation
func (a *API) CancelTask(c *gin.Context) {
	id := c.Param("id")
	rec, err := a.taskManager.Cancel(id)
	if err != nil {
		writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetResult returns the persisted result bundle
func (a *API) GetResult(c *gin.Context) {
	id := c.Param("id")
	res, err := a.taskManager.Result(c.Request.Context(), id)
	if err != nil {
		writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DownloadAudio serves the processed mp3
func (a *API) DownloadAudio(c *gin.Context) {
	id := c.Param("id")
	path, err := a.taskManager.AudioPath(id)
	if err != nil {
		writeError(c, id, err)
		return
	}
	log.Info().Str("task_id", id).Str("path", path).Msg("serving processed audio")
	c.FileAttachment(path, id+".mp3")
}

// ExportStudyPack streams the result texts and processed audio as a zip
func (a *API) ExportStudyPack(c *gin.Context) {
	id := c.Param("id")
	res, err := a.taskManager.Result(c.Request.Context(), id)
	if err != nil {
		writeError(c, id, err)
		return
	}
	audioPath, _ := a.taskManager.AudioPath(id)

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+id+`_study_pack.zip"`)
	c.Status(http.StatusOK)
	results, err := archive.Write(c.Writer, archive.StudyPackEntries(res, audioPath))
	if err != nil {
		log.Error().Str("task_id", id).Err(err).Msg("study pack export failed")
		return
	}
	for _, r := range results {
		if r.Err != "" {
			log.Warn().Str("task_id", id).Str("file", r.Filename).Str("error", r.Err).Msg("study pack entry skipped")
		}
	}
}

// Search queries the semantic index of a task
func (a *API) Search(c *gin.Context) {
	id := c.Param("id")
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	k := defaultSearchK
	if raw := c.Query("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "k must be between 1 and 50"})
			return
		}
		k = parsed
	}
	hits, err := a.taskManager.Search(c.Request.Context(), id, query, k)
	if err != nil {
		writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "query": query, "results": hits})
}

// Ask answers a question about an indexed lecture
func (a *API) Ask(c *gin.Context) {
	id := c.Param("id")
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("invalid question")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	tone := provider.Tone(req.Tone)
	if tone == "" {
		tone = provider.ToneNeutral
	}
	ans, err := a.taskManager.Ask(c.Request.Context(), id, req.Question, tone)
	if err != nil {
		writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "question": ans.Question, "answer": ans.Answer, "tone": ans.Tone, "sources": ans.Sources})
}

func toSubmitResponse(sub task.Submission) submitResponse {
	return submitResponse{
		TaskID:      sub.TaskID,
		Status:      sub.Status,
		ProgressURL: "/api/v1/tasks/" + sub.TaskID + "/progress",
	}
}

func writeError(c *gin.Context, taskID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, task.ErrResultNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTaskInFlight):
		status = http.StatusConflict
	case errors.Is(err, task.ErrUploadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, task.ErrManagerStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, task.ErrSearchDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, task.ErrNoSource), errors.Is(err, task.ErrExtNotAllowed),
		errors.Is(err, task.ErrInvalidURL), errors.Is(err, task.ErrInvalidTaskID),
		errors.Is(err, task.ErrEmptyQuestion):
		status = http.StatusBadRequest
	}
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("task_id", taskID).Int("status", status).Err(err).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
