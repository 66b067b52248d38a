package handlers

import (
	"net/http"

	"media_convert_service/internal/convert/app"
	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// ConvertHandler definition convert handler
type ConvertHandler struct {
	UseCase app.ConvertUseCase
}

// SubmitConversion 接收上傳檔案與目標格式，建立轉檔 job 後立即回傳 jobID
func (h *ConvertHandler) SubmitConversion(c *fiber.Ctx) error {
	format := c.FormValue("format")
	quality := c.FormValue("quality")
	if format == "" {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "缺少 format 欄位"})
	}

	// 來源可以是 multipart 檔案，也可以是已存在的 object key
	inputKey := c.FormValue("input_key")
	var inputLocation domain.StorageLocation

	if inputKey != "" {
		inputLocation = domain.StorageLocation{Key: inputKey}
	} else {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "未檢測到檔案"})
		}
		file, err := fileHeader.Open()
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "開啟上傳檔案失敗"})
		}
		defer file.Close()

		loc, err := h.UseCase.UploadSource(c.Context(), &domain.UploadInput{
			FileName: fileHeader.Filename,
			File:     file,
			Size:     fileHeader.Size,
		})
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "上傳來源檔失敗"})
		}
		inputLocation = *loc
	}

	res, err := h.UseCase.SubmitConversion(c.Context(), &domain.SubmitConversionReq{
		InputLocation: inputLocation,
		Format:        format,
		Quality:       quality,
	})
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"job_id": res.JobID,
		"status": res.Status,
	})
}

// GetProgress 查詢 job 進度。回應不可被 cache，輪詢要拿到最新值。
func (h *ConvertHandler) GetProgress(c *fiber.Ctx) error {
	jobID := c.Query("jobId")
	if jobID == "" {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "缺少 jobId 參數"})
	}

	c.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Set("Pragma", "no-cache")
	c.Set("Expires", "0")

	snap, err := h.UseCase.GetProgress(c.Context(), jobID)
	if err == repository.ErrJobNotFound {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "找不到 job 進度"})
	} else if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "進度查詢失敗"})
	}

	return c.JSON(snap)
}

// GetJob 查詢 job 記錄
func (h *ConvertHandler) GetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.UseCase.GetJob(c.Context(), jobID)
	if err == repository.ErrJobNotFound {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "找不到 job"})
	} else if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "job 查詢失敗"})
	}

	return c.JSON(job)
}

// CancelJob 取消進行中的 job
func (h *ConvertHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	if err := h.UseCase.CancelJob(c.Context(), jobID); err != nil {
		if err == repository.ErrJobNotFound {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "找不到 job"})
		}
		logger.Log.Errorf("取消 job 失敗:", err)
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"msg": "已送出取消", "job_id": jobID})
}

// GetFormats 回傳所有支援的格式
func (h *ConvertHandler) GetFormats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"formats": h.UseCase.SupportedFormats()})
}
