package apiv1

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/jobqueue"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediacore"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/pipeline"
)

var validate = validator.New()

// APIServer exposes the media core over HTTP.
type APIServer struct {
	svc *mediacore.Service
}

func NewAPIServer(svc *mediacore.Service) *APIServer {
	return &APIServer{svc: svc}
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: message})
}

// bind parses and validates the JSON body into v.
func bind(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return errors.New("invalid payload")
	}
	return validate.Struct(v)
}

func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// PostProcess runs the pipeline synchronously on a file the server can read.
func (s *APIServer) PostProcess(c *fiber.Ctx) error {
	var req ProcessRequest
	if err := bind(c, &req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	res, err := s.svc.ProcessMedia(c.UserContext(), req.Path, req.Options)
	switch {
	case errors.Is(err, pipeline.ErrInvalidOptions):
		return errorJSON(c, fiber.StatusBadRequest, "invalid_options", err.Error())
	case err != nil && res != nil:
		status := fiber.StatusInternalServerError
		if !mediaerror.KindOf(err).Recoverable() {
			status = fiber.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(res)
	case err != nil:
		log.Errorf("[API] Processing %s failed: %v", req.Path, err)
		return errorJSON(c, fiber.StatusInternalServerError, "processing_failed", err.Error())
	}
	return c.JSON(res)
}

func (s *APIServer) PostTask(c *fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := bind(c, &req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	kind, err := jobqueue.ParseKind(req.Kind)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	priority, err := jobqueue.ParsePriority(req.Priority)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	id, err := s.svc.SubmitTask(kind, req.Path, req.Options, priority)
	switch {
	case errors.Is(err, jobqueue.ErrQueueFull), errors.Is(err, jobqueue.ErrQueueClosed):
		return errorJSON(c, fiber.StatusServiceUnavailable, "queue_unavailable", err.Error())
	case err != nil:
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(SubmitTaskResponse{ID: id})
}

func (s *APIServer) GetTask(c *fiber.Ctx, id string) error {
	task, ok := s.svc.TaskStatus(c.UserContext(), id)
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "not_found", "task not found")
	}
	return c.JSON(task)
}

// DeleteTask cancels a task that has not started yet.
func (s *APIServer) DeleteTask(c *fiber.Ctx, id string) error {
	if !s.svc.CancelTask(id) {
		return errorJSON(c, fiber.StatusConflict, "not_cancellable", "task is unknown or already started")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *APIServer) GetQueueStats(c *fiber.Ctx) error {
	return c.JSON(s.svc.QueueStats())
}

func (s *APIServer) GetCacheStats(c *fiber.Ctx) error {
	stats := s.svc.CacheStats()
	return c.JSON(fiber.Map{"stats": stats, "hit_rate": stats.HitRate()})
}

func (s *APIServer) PostCacheInvalidate(c *fiber.Ctx) error {
	var req InvalidateRequest
	if err := bind(c, &req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	ctx := c.UserContext()
	var removed int
	switch {
	case req.Path != "":
		n, err := s.svc.CacheInvalidatePath(ctx, req.Path)
		if err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
		}
		removed = n
	case req.Source != "":
		removed = s.svc.CacheInvalidate(ctx, req.Source)
	default:
		removed = s.svc.CacheInvalidateTag(ctx, req.Tag)
	}
	return c.JSON(InvalidateResponse{Removed: removed})
}

func (s *APIServer) GetTempUsage(c *fiber.Ctx) error {
	return c.JSON(s.svc.TempUsage())
}

// GetMonitorStats summarizes the samples of the optional ?window= duration.
func (s *APIServer) GetMonitorStats(c *fiber.Ctx) error {
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid window")
		}
		window = d
	}
	return c.JSON(s.svc.Statistics(window))
}

func (s *APIServer) GetDegradation(c *fiber.Ctx) error {
	return c.JSON(s.svc.DegradationReport())
}

// GetAlerts returns the alert history, optionally since an RFC 3339 time.
func (s *APIServer) GetAlerts(c *fiber.Ctx) error {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid since")
		}
		since = t
	}
	return c.JSON(s.svc.Alerts(since))
}
