package services

import (
	"errors"
	"strings"
	"time"

	"arttic/internal/apperr"
	"arttic/internal/pipelines"
	"arttic/types"
	"arttic/utils"

	"github.com/gofiber/fiber/v2"
)

func httpStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidInput:
		return fiber.StatusBadRequest
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.Integrity:
		return fiber.StatusUnprocessableEntity
	case apperr.OutOfMemory:
		return fiber.StatusInsufficientStorage
	case apperr.RemoteAccessDenied:
		return fiber.StatusForbidden
	case apperr.RemoteUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (a *Api) fail(ctx *fiber.Ctx, action string, err error) error {
	code := httpStatus(err)
	if code >= fiber.StatusInternalServerError {
		HttpLogger(action, ctx).Error("request failed", "err", err)
	}
	return ctx.Status(code).JSON(types.ErrorResponse{
		Error:   apperr.KindOf(err).String(),
		Message: apperr.Message(err),
	})
}

func (a *Api) Health() fiber.Handler {
	return func(ctx *fiber.Ctx) error {

		return ctx.Status(fiber.StatusOK).JSON(types.HealthResponse{
			Status:    fiber.StatusOK,
			TimeStamp: time.Now().Unix(),
		})
	}
}

func (a *Api) GetStatus() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(a.State.Status())
	}
}

func (a *Api) GetConfig() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(types.ConfigResponse{
			Models:        a.Store.ListModels(),
			Loras:         a.Store.ListLoras(),
			Schedulers:    pipelines.SchedulerNames(),
			GalleryImages: a.Store.ListOutputs(),
			Prompts:       a.Prompts.All(),
		})
	}
}

func (a *Api) GetGallery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(types.GalleryResponse{Images: a.Store.ListOutputs()})
	}
}

func (a *Api) ListPrompts() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(types.PromptResponse{Status: "success", Prompts: a.Prompts.All()})
	}
}

// promptResult answers every prompt mutation with the refreshed library.
func (a *Api) promptResult(ctx *fiber.Ctx, action, okMessage string, err error) error {
	if err != nil {
		if httpStatus(err) >= fiber.StatusInternalServerError {
			HttpLogger(action, ctx).Error("prompt update failed", "err", err)
		}
		return ctx.Status(httpStatus(err)).JSON(types.PromptResponse{
			Status:  "error",
			Message: apperr.Message(err),
			Prompts: a.Prompts.All(),
		})
	}
	return ctx.JSON(types.PromptResponse{
		Status:  "success",
		Message: okMessage,
		Prompts: a.Prompts.All(),
	})
}

func parsePrompt(ctx *fiber.Ctx) (types.PromptRequest, error) {
	var body types.PromptRequest
	if err := ctx.BodyParser(&body); err != nil {
		return body, apperr.Wrap(apperr.InvalidInput, "invalid body", err)
	}
	return body, nil
}

func (a *Api) AddPrompt() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		body, err := parsePrompt(ctx)
		if err == nil {
			err = a.Prompts.Add(body.Title, body.Prompt, body.NegativePrompt)
		}
		return a.promptResult(ctx, "add_prompt", "Prompt '"+body.Title+"' saved.", err)
	}
}

func (a *Api) UpdatePrompt() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		body, err := parsePrompt(ctx)
		if err == nil {
			err = a.Prompts.Update(body.OldTitle, body.NewTitle, body.Prompt, body.NegativePrompt)
		}
		return a.promptResult(ctx, "update_prompt", "Prompt '"+body.NewTitle+"' updated.", err)
	}
}

func (a *Api) DeletePrompt() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		body, err := parsePrompt(ctx)
		if err == nil {
			err = a.Prompts.Delete(body.Title)
		}
		return a.promptResult(ctx, "delete_prompt", "Prompt '"+body.Title+"' deleted.", err)
	}
}

func (a *Api) ImageMetadata() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		filename := ctx.Params("filename")
		path, err := a.Store.OutputPath(filename)
		if err != nil {
			return a.fail(ctx, "image_metadata", err)
		}

		resp := types.ImageMetadataResponse{Filename: filename}
		if rec, ok := a.Codec.Extract(path); ok {
			resp.Verified = true
			resp.Metadata = &rec
		}
		return ctx.JSON(resp)
	}
}

// TouchImageMetadata re-stamps the modification time of an image's metadata
// and returns the resealed record.
func (a *Api) TouchImageMetadata() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		filename := ctx.Params("filename")
		path, err := a.Store.OutputPath(filename)
		if err != nil {
			return a.fail(ctx, "touch_image_metadata", err)
		}

		touched, err := a.Codec.TouchModified(path)
		if err != nil {
			return a.fail(ctx, "touch_image_metadata", apperr.Wrap(apperr.Internal, "Could not update the image metadata.", err))
		}
		if !touched {
			return a.fail(ctx, "touch_image_metadata", apperr.Missing("Image '%s' has no verified metadata.", filename))
		}

		rec, ok := a.Codec.Extract(path)
		return ctx.JSON(types.ImageMetadataResponse{Filename: filename, Verified: ok, Metadata: &rec})
	}
}

func (a *Api) ListHistory() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if a.History == nil {
			return ctx.JSON(types.HistoryResponse{})
		}
		items, err := a.History.List(ctx.UserContext(), ctx.QueryInt("limit", 0))
		if err != nil {
			return a.fail(ctx, "history", err)
		}
		return ctx.JSON(types.HistoryResponse{Items: items})
	}
}

func (a *Api) DownloadModel() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if a.Downloads == nil {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(types.ErrorResponse{
				Error:   "downloader not configured",
				Message: "service unavailable",
			})
		}

		var req types.DownloadRequest
		if err := ctx.BodyParser(&req); err != nil {
			return ctx.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
				Error:   err.Error(),
				Message: "invalid body",
			})
		}

		req.Repo = strings.TrimSpace(req.Repo)
		req.File = strings.TrimSpace(req.File)
		switch {
		case req.ClientID == "":
			return ctx.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
				Error:   "clientId is required",
				Message: "missing clientId",
			})
		case req.Repo == "" || req.File == "":
			return ctx.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
				Error:   "repo and file are required",
				Message: "invalid download target",
			})
		case !strings.HasSuffix(strings.ToLower(req.File), ".safetensors"):
			return ctx.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
				Error:   "only .safetensors files can be downloaded",
				Message: "invalid download target",
			})
		}

		kind, err := ParseDownloadKind(req.Kind)
		if err != nil {
			return a.fail(ctx, "download", err)
		}

		jobID := utils.NewJobID()
		if err := a.Downloads.Enqueue(DownloadJob{
			JobID:    jobID,
			ClientID: req.ClientID,
			Repo:     req.Repo,
			Revision: req.Revision,
			File:     req.File,
			Kind:     kind,
		}); err != nil {
			code := fiber.StatusServiceUnavailable
			if errors.Is(err, ErrDownloadQueueFull) {
				code = fiber.StatusTooManyRequests
			}
			return ctx.Status(code).JSON(types.ErrorResponse{
				Error:   err.Error(),
				Message: "failed to enqueue download",
			})
		}

		return ctx.Status(fiber.StatusAccepted).JSON(types.DownloadResponse{JobID: jobID})
	}
}
