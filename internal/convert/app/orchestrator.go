package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/config"
	"media_convert_service/pkg/database"
	errprocess "media_convert_service/pkg/err"
	"media_convert_service/pkg/logger"
)

// transcoder 執行檔，測試可替換
var transcoderPath = "ffmpeg"

// errJobCanceled 呼叫端主動取消，不走 fallback 重試
var errJobCanceled = errors.New("canceled by user")

// 下載佔 0~20、上傳佔 99~99.9，中段由 estimator 填
const (
	downloadSpanPct = 20.0
	uploadBasePct   = 99.0
	uploadSpanPct   = 0.9
)

// Orchestrator 負責單一轉檔 job 的完整生命週期：
// 策略選擇 → spawn transcoder → 監看診斷輸出與逾時 → 上傳結果 → 更新 job 狀態
type Orchestrator struct {
	storage   database.MinIOClientRepo
	repo      repository.JobRepository
	writer    *repository.ThrottledProgressWriter
	estimator *ProgressEstimator
	cfg       config.JobConfig

	mu       sync.Mutex
	registry map[string]*runningJob
}

// runningJob 進行中 process 的登錄項，mu 保護 info 與旗標的並發讀寫
type runningJob struct {
	mu         sync.Mutex
	info       *domain.ProcessInfo
	cmd        *exec.Cmd
	canceled   bool
	sawCurrent bool
}

// NewOrchestrator create a Orchestrator
func NewOrchestrator(storage database.MinIOClientRepo, repo repository.JobRepository, cfg config.JobConfig) *Orchestrator {
	return &Orchestrator{
		storage:   storage,
		repo:      repo,
		writer:    repository.NewThrottledProgressWriter(repo, cfg.ProgressThrottle),
		estimator: NewProgressEstimator(),
		cfg:       cfg,
	}
}

// Convert 執行一筆轉檔工作。streamed 策略失敗時退一次 file-staged，
// 兩邊都失敗才標記 job failed。
func (o *Orchestrator) Convert(ctx context.Context, msg *domain.ConversionJobMessage) error {
	job, err := o.repo.GetJob(ctx, msg.JobID)
	if err != nil {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 讀取失敗: %v", msg.JobID, err))
	}
	defer o.writer.Forget(msg.JobID)

	job.Status = domain.JobProcessing
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 更新 processing 狀態失敗: %v", msg.JobID, err))
	}
	o.writer.Write(ctx, &domain.ProgressSnapshot{JobID: msg.JobID, Progress: 0, Stage: "downloading"}, true)

	size, err := o.storage.StatObjectSize(ctx, msg.InputLocation.Key)
	if err != nil {
		return o.fail(ctx, job, fmt.Sprintf("input object [%s] not found: %v", msg.InputLocation.Key, err))
	}

	inputFormat := formatFromKey(msg.InputLocation.Key)
	outKey := outputKey(msg.JobID, msg.Format)

	compat := domain.CheckStreamingCompatibility(inputFormat, msg.Format)
	useStreaming := compat.SupportsStreaming && size <= o.cfg.StreamingCutoffBytes
	if !compat.SupportsStreaming {
		logger.Log.Info(fmt.Sprintf("jobID[%s] 走 file-staged: %s", msg.JobID, compat.Reason))
	}

	var result domain.ConversionResult
	if useStreaming {
		loc, err := o.runStreamed(ctx, msg, inputFormat, size, outKey)
		if err != nil {
			// 取消直接終態，不讓 fallback 把已取消的 job 救回來
			if errors.Is(err, errJobCanceled) {
				return o.fail(ctx, job, errJobCanceled.Error())
			}
			// streamed 失敗只退一次 file-staged，不再往下退
			logger.Log.Warnf(fmt.Sprintf("jobID[%s] streamed 轉檔失敗，改走 file-staged:", msg.JobID), err)
			loc, err = o.runStaged(ctx, msg, inputFormat, size, outKey)
			if err != nil {
				return o.fail(ctx, job, err.Error())
			}
			result = domain.ConversionResult{OutputLocation: *loc, FallbackUsed: true}
		} else {
			result = domain.ConversionResult{OutputLocation: *loc}
		}
	} else {
		loc, err := o.runStaged(ctx, msg, inputFormat, size, outKey)
		if err != nil {
			return o.fail(ctx, job, err.Error())
		}
		result = domain.ConversionResult{OutputLocation: *loc}
	}

	// presigned 下載連結失敗不致命，job 本體照樣 completed
	downloadURL, err := o.storage.PresignGetURL(ctx, outKey, o.cfg.JobTTL)
	if err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 生成下載連結失敗:", msg.JobID), err)
	}

	job.Status = domain.JobCompleted
	job.OutputLocation = &result.OutputLocation
	job.FallbackUsed = result.FallbackUsed
	job.DownloadURL = downloadURL
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 更新 completed 狀態失敗: %v", msg.JobID, err))
	}
	o.writer.Write(ctx, &domain.ProgressSnapshot{JobID: msg.JobID, Progress: 100, Stage: "completed"}, true)

	logger.Log.Info(fmt.Sprintf("jobID[%s] 轉檔完成 output[%s] fallback[%t]", msg.JobID, outKey, result.FallbackUsed))
	return nil
}

// fail 標記 job failed，progress 寫入 -1 哨兵
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, errMsg string) error {
	job.Status = domain.JobFailed
	job.Error = errMsg
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 更新 failed 狀態失敗:", job.JobID), err)
	}
	o.writer.Write(ctx, &domain.ProgressSnapshot{
		JobID:    job.JobID,
		Progress: domain.FailedProgress,
		Stage:    "failed",
		Error:    errMsg,
	}, true)
	return errprocess.Set(fmt.Sprintf("jobID[%s] 轉檔失敗: %s", job.JobID, errMsg))
}

// runStreamed pipe-to-pipe：input object → stdin、stdout → output object，不落地
func (o *Orchestrator) runStreamed(ctx context.Context, msg *domain.ConversionJobMessage, inputFormat string, size int64, outKey string) (*domain.StorageLocation, error) {
	obj, _, err := o.storage.GetObject(ctx, msg.InputLocation.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open input object: %v", err)
	}
	defer obj.Close()

	cmd := exec.Command(transcoderPath, buildStreamArgs(inputFormat, msg.Format, msg.Quality)...)
	cmd.Stdin = obj

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %v", err)
	}

	info := &domain.ProcessInfo{
		IsStreaming:   true,
		InputFormat:   inputFormat,
		OutputFormat:  msg.Format,
		FileSizeBytes: size,
	}

	var uploaded int64
	upload := func() error {
		n, err := o.storage.PutObject(ctx, outKey, stdout, -1, contentTypeFor(msg.Format))
		if err != nil {
			return fmt.Errorf("failed to upload output object: %v", err)
		}
		uploaded = n
		return nil
	}

	if err := o.runTranscode(ctx, msg.JobID, cmd, info, upload); err != nil {
		return nil, err
	}

	return &domain.StorageLocation{Bucket: msg.InputLocation.Bucket, Key: outKey, Size: uploaded}, nil
}

// runStaged file-staged：先下載到暫存檔，轉完再整檔上傳
func (o *Orchestrator) runStaged(ctx context.Context, msg *domain.ConversionJobMessage, inputFormat string, size int64, outKey string) (*domain.StorageLocation, error) {
	tmpDir, err := os.MkdirTemp("", "convert-"+msg.JobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %v", err)
	}
	defer func() {
		// 清不掉只記 log，靠外部排程收尾
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Log.Warnf(fmt.Sprintf("jobID[%s] 暫存目錄清理失敗 [%s]:", msg.JobID, tmpDir), err)
		}
	}()

	inPath := filepath.Join(tmpDir, "input."+inputFormat)
	outPath := filepath.Join(tmpDir, "output."+msg.Format)

	if err := o.stageInput(ctx, msg, size, inPath); err != nil {
		return nil, err
	}

	cmd := exec.Command(transcoderPath, buildFileArgs(inPath, outPath, msg.Quality)...)
	info := &domain.ProcessInfo{
		IsStreaming:   false,
		InputFormat:   inputFormat,
		OutputFormat:  msg.Format,
		FileSizeBytes: size,
	}

	if err := o.runTranscode(ctx, msg.JobID, cmd, info, nil); err != nil {
		return nil, err
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("transcoder produced no output file: %v", err)
	}

	if err := o.uploadOutput(ctx, msg.JobID, outKey, outPath, msg.Format, stat.Size()); err != nil {
		return nil, err
	}

	return &domain.StorageLocation{Bucket: msg.InputLocation.Bucket, Key: outKey, Size: stat.Size()}, nil
}

// stageInput 把 input object 下載到暫存檔，按收到的位元組數回報 0~20 的
// 粗進度。逾時依檔案大小放大，大檔不會被固定逾時砍掉。
func (o *Orchestrator) stageInput(ctx context.Context, msg *domain.ConversionJobMessage, size int64, inPath string) error {
	timeout := o.cfg.DownloadTimeout
	if size > 0 {
		timeout += time.Duration(size/(100*1024*1024)) * o.cfg.DownloadTimeout
	}
	dlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	obj, total, err := o.storage.GetObject(dlCtx, msg.InputLocation.Key)
	if err != nil {
		return fmt.Errorf("failed to download input object: %v", err)
	}
	defer obj.Close()

	f, err := os.Create(inPath)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %v", err)
	}
	defer f.Close()

	src := &progressReader{
		r:     obj,
		total: total,
		report: func(ratio float64) {
			o.writer.Write(ctx, &domain.ProgressSnapshot{
				JobID:    msg.JobID,
				Progress: downloadSpanPct * ratio,
				Stage:    "downloading",
			}, false)
		},
	}
	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("failed to download input object: %v", err)
	}
	return nil
}

// uploadOutput 整檔上傳轉出結果，按送出的位元組數回報 99 段進度
func (o *Orchestrator) uploadOutput(ctx context.Context, jobID, outKey, outPath, format string, size int64) error {
	f, err := os.Open(outPath)
	if err != nil {
		return fmt.Errorf("failed to open output file: %v", err)
	}
	defer f.Close()

	o.writer.Write(ctx, &domain.ProgressSnapshot{JobID: jobID, Progress: uploadBasePct, Stage: "uploading"}, true)
	src := &progressReader{
		r:     f,
		total: size,
		report: func(ratio float64) {
			o.writer.Write(ctx, &domain.ProgressSnapshot{
				JobID:    jobID,
				Progress: uploadBasePct + uploadSpanPct*ratio,
				Stage:    "uploading",
			}, false)
		},
	}
	if _, err := o.storage.PutObject(ctx, outKey, src, size, contentTypeFor(format)); err != nil {
		return fmt.Errorf("failed to upload output object: %v", err)
	}
	return nil
}

// progressReader 包住物件串流，依已讀位元組比例回報進度
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(ratio float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.total > 0 {
			ratio := float64(p.read) / float64(p.total)
			if ratio > 1 {
				ratio = 1
			}
			p.report(ratio)
		}
	}
	return n, err
}

// runTranscode spawn transcoder 並監看到結束。
// beforeWait 在 process 啟動後、Wait 之前執行（streamed 路徑用來 drain stdout）。
func (o *Orchestrator) runTranscode(ctx context.Context, jobID string, cmd *exec.Cmd, info *domain.ProcessInfo, beforeWait func() error) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start transcoder: %v", err)
	}

	now := time.Now()
	info.PID = cmd.Process.Pid
	info.StartTime = now
	info.LastProgressTime = now

	rj := &runningJob{info: info, cmd: cmd}
	o.register(jobID, rj)
	defer o.unregister(jobID)

	logger.Log.Info(fmt.Sprintf("jobID[%s] transcoder 啟動 PID[%d] streaming[%t]", jobID, info.PID, info.IsStreaming))

	stop := make(chan struct{})
	timedOut := make(chan string, 1)

	// 診斷輸出解析，一行一行餵進 estimator
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		// ffmpeg 進度行用 \r 結尾不換行
		scanner.Split(scanCRLines)
		for scanner.Scan() {
			line := scanner.Text()

			rj.mu.Lock()
			sig := ParseProgressLine(line, info)
			if sig == nil {
				rj.mu.Unlock()
				continue
			}
			if sig.HasCurrent {
				info.LastProgressTime = time.Now()
				rj.sawCurrent = true
				snap := o.estimator.Calculate(sig, info)
				rj.mu.Unlock()
				snap.JobID = jobID
				o.writer.Write(ctx, &snap, false)
				continue
			}
			if sig.TotalDuration > 0 {
				rj.mu.Unlock()
				// duration discovery 跳過節流立即寫
				o.writer.Write(ctx, &domain.ProgressSnapshot{
					JobID:         jobID,
					Progress:      0,
					Stage:         "transcoding",
					TotalDuration: FormatTime(sig.TotalDuration),
				}, true)
				continue
			}
			rj.mu.Unlock()
		}
	}()

	// watchdog：絕對逾時與 stall 偵測。完全沒有進度訊號時
	// 由牆鐘策略墊底寫進度，不讓輪詢端看到凍住的初始值。
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rj.mu.Lock()
				reason, expired := checkTimeouts(info, time.Now(), o.cfg.TotalTimeout, o.cfg.StallTimeout)
				if expired {
					rj.mu.Unlock()
					select {
					case timedOut <- reason:
					default:
					}
					o.terminate(cmd)
					return
				}
				var snap *domain.ProgressSnapshot
				if !rj.sawCurrent {
					s := o.estimator.Calculate(nil, info)
					snap = &s
				}
				rj.mu.Unlock()
				if snap != nil && snap.Progress > 0 {
					snap.JobID = jobID
					o.writer.Write(ctx, snap, false)
				}
			}
		}
	}()

	if beforeWait != nil {
		if err := beforeWait(); err != nil {
			close(stop)
			o.terminate(cmd)
			cmd.Wait()
			return err
		}
	}

	waitErr := cmd.Wait()
	close(stop)

	rj.mu.Lock()
	canceled := rj.canceled
	rj.mu.Unlock()
	if canceled {
		return errJobCanceled
	}

	select {
	case reason := <-timedOut:
		return fmt.Errorf("conversion timed out: %s", reason)
	default:
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return fmt.Errorf("process failed with exit code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("process wait failed: %v", waitErr)
	}
	return nil
}

// checkTimeouts 回傳逾時原因。絕對逾時優先於 stall。
func checkTimeouts(info *domain.ProcessInfo, now time.Time, totalTimeout, stallTimeout time.Duration) (string, bool) {
	if now.Sub(info.StartTime) > totalTimeout {
		return fmt.Sprintf("total time exceeded %.0f seconds", totalTimeout.Seconds()), true
	}
	if now.Sub(info.LastProgressTime) > stallTimeout {
		return fmt.Sprintf("no progress for %.0f seconds", stallTimeout.Seconds()), true
	}
	return "", false
}

// terminate 先送 SIGTERM 讓 transcoder 寫完 trailer，過了 grace period 才 SIGKILL
func (o *Orchestrator) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	logger.Log.Warn(fmt.Sprintf("對 transcoder PID[%d] 送出 SIGTERM", pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Log.Warnf(fmt.Sprintf("PID[%d] SIGTERM 失敗:", pid), err)
	}

	go func() {
		time.Sleep(o.cfg.KillGracePeriod)
		// process 還在才升級 SIGKILL；已結束時 Kill 會回 ErrProcessDone
		if err := cmd.Process.Kill(); err == nil {
			logger.Log.Warn(fmt.Sprintf("PID[%d] 超過 grace period，升級 SIGKILL", pid))
		}
	}()
}

// Cancel 終止進行中的 job process；沒有進行中的 process 時回錯誤
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	rj, ok := o.registry[jobID]
	o.mu.Unlock()
	if !ok {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 沒有進行中的 process", jobID))
	}
	// 先記下取消意圖，process 收掉後轉檔流程靠它分辨取消與一般失敗
	rj.mu.Lock()
	rj.canceled = true
	rj.mu.Unlock()
	o.terminate(rj.cmd)
	return nil
}

// Running 回傳 jobID 是否有進行中的 process
func (o *Orchestrator) Running(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.registry[jobID]
	return ok
}

func (o *Orchestrator) register(jobID string, rj *runningJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registry == nil {
		o.registry = make(map[string]*runningJob)
	}
	o.registry[jobID] = rj
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.registry, jobID)
}

// scanCRLines 同 bufio.ScanLines 但把 \r 也當行尾
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// buildStreamArgs pipe-to-pipe 的 transcoder 參數
func buildStreamArgs(inputFormat, outputFormat, quality string) []string {
	args := []string{"-f", muxerFor(inputFormat), "-i", "pipe:0"}
	args = append(args, qualityArgs(quality)...)
	args = append(args, "-f", muxerFor(outputFormat), "pipe:1")
	return args
}

// buildFileArgs file-staged 的 transcoder 參數
func buildFileArgs(inPath, outPath, quality string) []string {
	args := []string{"-y", "-i", inPath}
	args = append(args, qualityArgs(quality)...)
	args = append(args, outPath)
	return args
}

func qualityArgs(quality string) []string {
	switch quality {
	case "high":
		return []string{"-b:a", "256k"}
	case "medium":
		return []string{"-b:a", "128k"}
	case "low":
		return []string{"-b:a", "64k"}
	default:
		return nil
	}
}

// muxerFor 格式名換成 transcoder muxer 名（多數相同）
func muxerFor(format string) string {
	switch format {
	case "aac":
		return "adts"
	case "mkv":
		return "matroska"
	case "m4a":
		return "ipod"
	default:
		return format
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "aac":
		return "audio/aac"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "m4a", "mp4":
		return "video/mp4"
	case "mov":
		return "video/quicktime"
	case "webm":
		return "video/webm"
	case "mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

// formatFromKey 從 object key 的副檔名推格式
func formatFromKey(key string) string {
	ext := strings.TrimPrefix(filepath.Ext(key), ".")
	return strings.ToLower(ext)
}

// outputKey 輸出物件的 key
func outputKey(jobID, format string) string {
	return "converted/" + jobID + "." + format
}
