package handlers

import (
	"context"
	"fmt"
	"time"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/logger"

	"github.com/gofiber/websocket/v2"
)

// ProgressPushInterval websocket 推送間隔
const ProgressPushInterval = time.Second

// ProgressWS 透過 websocket 主動推送 job 進度，
// 終態（completed / failed）推完最後一筆後關閉連線。
func (h *ConvertHandler) ProgressWS() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		defer conn.Close()

		jobID := conn.Params("id")
		if jobID == "" {
			conn.WriteJSON(map[string]string{"error": "缺少 job id"})
			return
		}

		ctx := context.Background()
		ticker := time.NewTicker(ProgressPushInterval)
		defer ticker.Stop()

		var lastUpdated int64
		for range ticker.C {
			snap, err := h.UseCase.GetProgress(ctx, jobID)
			if err == repository.ErrJobNotFound {
				conn.WriteJSON(map[string]string{"error": "找不到 job 進度"})
				return
			} else if err != nil {
				logger.Log.Warnf(fmt.Sprintf("jobID[%s] websocket 進度讀取失敗:", jobID), err)
				continue
			}

			// 沒有新快照就不重送
			if snap.UpdatedAt == lastUpdated {
				continue
			}
			lastUpdated = snap.UpdatedAt

			if err := conn.WriteJSON(snap); err != nil {
				// 客戶端斷線
				return
			}

			if snap.Progress >= 100 || snap.Progress == domain.FailedProgress {
				return
			}
		}
	}
}
