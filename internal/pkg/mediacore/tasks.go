package mediacore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/jobqueue"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/pipeline"
)

// TaskView is the externally visible state of a task. Source tells whether
// it came from the live queue or the Redis status mirror.
type TaskView struct {
	jobqueue.Task
	Source string `json:"source"`
}

const (
	sourceQueue  = "queue"
	sourceMirror = "mirror"
)

var errNoMirror = errors.New("status mirror disabled")

// preset applies the stage selection of a task kind on top of the
// submitted options.
func preset(kind jobqueue.Kind, opts pipeline.Options) pipeline.Options {
	switch kind {
	case jobqueue.KindThumbnails:
		opts.SkipCompression = true
	case jobqueue.KindMetadata:
		opts.SkipConvert = true
		opts.SkipOrientation = true
		opts.SkipCompression = true
		opts.SkipThumbnails = true
	}
	return opts
}

// processTask is the queue processor. Option errors are reported as
// non-recoverable so the queue does not retry them.
func (s *Service) processTask(ctx context.Context, task jobqueue.Task) (interface{}, error) {
	var opts pipeline.Options
	if err := task.DecodeOptions(&opts); err != nil {
		return nil, mediaerror.New(mediaerror.KindInvalidFormat, mediaerror.StageValidate, task.Path,
			fmt.Errorf("decoding task options: %w", err))
	}
	res, err := s.ProcessMedia(ctx, task.Path, preset(task.Kind, opts))
	if errors.Is(err, pipeline.ErrInvalidOptions) {
		return nil, mediaerror.New(mediaerror.KindInvalidFormat, mediaerror.StageValidate, task.Path, err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SubmitTask enqueues a background task. options is encoded as the task
// payload and may be nil; invalid options fail the task without retries.
func (s *Service) SubmitTask(kind jobqueue.Kind, path string, options *pipeline.Options, priority jobqueue.Priority) (string, error) {
	var payload map[string]interface{}
	if options != nil {
		var err error
		if payload, err = jobqueue.EncodeOptions(options); err != nil {
			return "", fmt.Errorf("encoding task options: %w", err)
		}
	}
	return s.queue.Submit(kind, path, payload, priority)
}

// TaskStatus looks a task up in the queue, then in the status mirror for
// tasks already swept from memory.
func (s *Service) TaskStatus(ctx context.Context, id string) (TaskView, bool) {
	if task, ok := s.queue.Get(id); ok {
		return TaskView{Task: task, Source: sourceQueue}, true
	}
	task, err := s.mirroredTask(ctx, id)
	if err != nil {
		if !errors.Is(err, jobqueue.ErrTaskNotFound) && !errors.Is(err, errNoMirror) {
			log.Warnf("[MediaCore] Status mirror lookup of %s failed: %v", id, err)
		}
		return TaskView{}, false
	}
	return TaskView{Task: task, Source: sourceMirror}, true
}

func (s *Service) mirroredTask(ctx context.Context, id string) (jobqueue.Task, error) {
	if s.mirror == nil {
		return jobqueue.Task{}, errNoMirror
	}
	return s.mirror.Load(ctx, id)
}

// CancelTask cancels a pending task.
func (s *Service) CancelTask(id string) bool { return s.queue.Cancel(id) }

func (s *Service) QueueStats() jobqueue.Stats { return s.queue.Stats() }
