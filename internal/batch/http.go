package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/account"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/bundle"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/config"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/quota"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/scheduler"
)

const (
	sessionKeySID = "batch_sid"
	contextKeySID = "batch.sid"
)

// Handler はバッチAPIのエンドポイント群を提供します。
type Handler struct {
	cfg      *config.Config
	registry *Registry
	accounts *account.Manager
	limiter  *rate.Limiter
	logger   *log.Logger
	now      func() time.Time
}

// NewHandler は Handler を作成します。
func NewHandler(cfg *config.Config, registry *Registry, accounts *account.Manager, logger *log.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		accounts: accounts,
		limiter:  rate.NewLimiter(rate.Limit(20), 40),
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes はAPIルートを配線します。
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.Use(h.EnsureSession())

	sessionRoutes := api.Group("/session")
	{
		sessionRoutes.GET("", h.SessionInfo)
		sessionRoutes.POST("/token", h.RateLimit(), h.AttachToken)
		sessionRoutes.DELETE("/token", h.DetachToken)
	}

	batchRoutes := api.Group("/batch")
	{
		batchRoutes.GET("", h.Status)
		batchRoutes.POST("/files", h.RateLimit(), h.AddFiles)
		batchRoutes.DELETE("/files/:id", h.RemoveFile)
		batchRoutes.POST("/run", h.RateLimit(), h.Run)
		batchRoutes.POST("/clear-completed", h.ClearCompleted)
		batchRoutes.POST("/reset", h.Reset)
		batchRoutes.GET("/download", h.Download)
	}
}

// EnsureSession はセッションIDを払い出すミドルウェアを返します。
func (h *Handler) EnsureSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		sid, _ := session.Get(sessionKeySID).(string)
		if sid == "" {
			sid = uuid.NewString()
			session.Set(sessionKeySID, sid)
			if err := session.Save(); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "SESSION_SAVE_FAILED",
					"message": "セッションの保存に失敗しました。",
				})
				return
			}
		}
		c.Set(contextKeySID, sid)
		c.Next()
	}
}

// RateLimit は変更系エンドポイント用のプロセス全体レートリミッターです。
func (h *Handler) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
			})
			return
		}
		c.Next()
	}
}

func (h *Handler) session(c *gin.Context) *Session {
	sid, _ := c.Get(contextKeySID)
	id, _ := sid.(string)
	return h.registry.Get(id)
}

// snapshotFor は現在のスナップショットを返します。
// 資格情報が無効であればセッションから取り除き、未認証として扱います。
func (h *Handler) snapshotFor(ctx context.Context, sess *Session) *account.Snapshot {
	token := sess.Token()
	if token == "" {
		return nil
	}
	snap, err := h.accounts.Get(ctx, token)
	if err != nil {
		if errors.Is(err, account.ErrInvalidToken) {
			sess.SetToken("")
			return nil
		}
		if h.logger != nil {
			h.logger.Printf("account lookup failed, treating as anonymous: %v", err)
		}
		return nil
	}
	return snap
}

type jobView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Type    string `json:"type,omitempty"`
	Status  string `json:"status"`
	OutName string `json:"outName,omitempty"`
	OutSize int64  `json:"outSize,omitempty"`
	Error   string `json:"error,omitempty"`
}

func toJobView(job *queue.Job) jobView {
	view := jobView{
		ID:     job.ID,
		Name:   job.DisplayName,
		Size:   job.ByteSize,
		Type:   job.ContentType,
		Status: string(job.Status),
		Error:  job.ErrorMessage,
	}
	if job.Result != nil {
		view.OutName = job.Result.Name
		view.OutSize = int64(len(job.Result.Data))
	}
	return view
}

// AddFiles は POST /api/batch/files のハンドラーです。
// 入場判定を通過したファイルだけがジョブとしてキューに追加されます。
func (h *Handler) AddFiles(c *gin.Context) {
	sess := h.session(c)

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data で画像ファイルを送信してください。",
		})
		return
	}
	defer form.RemoveAll()

	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "アップロードされた画像ファイルが見つかりません。",
		})
		return
	}

	sources, err := h.readSources(files)
	if err != nil {
		respondWithError(c, err)
		return
	}

	snap := h.snapshotFor(c.Request.Context(), sess)
	accepted, rejected := quota.Admit(sources, snap, sess.Queue.UnfinishedCount())

	if len(accepted) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"accepted":      []jobView{},
			"rejectedCount": rejected,
			"notice": gin.H{
				"code":    "BATCH_LIMIT",
				"message": fmt.Sprintf("一度に変換できるのは%d枚までです。変換を開始してから追加してください。", quota.FreeLimit),
			},
		})
		return
	}

	views := make([]jobView, 0, len(accepted))
	for _, src := range accepted {
		job, ok := sess.Queue.Add(src)
		if !ok {
			// 重複 (name, size) は黙って捨てる
			continue
		}
		views = append(views, toJobView(job))
	}

	payload := gin.H{
		"accepted":      views,
		"rejectedCount": rejected,
	}
	if rejected > 0 {
		payload["notice"] = gin.H{
			"code":    "BATCH_LIMIT",
			"message": fmt.Sprintf("無料枠を超えた%d枚は追加されませんでした。", rejected),
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) readSources(files []*multipart.FileHeader) ([]*queue.Source, error) {
	sources := make([]*queue.Source, 0, len(files))
	for i, header := range files {
		if h.cfg.MaxFileSize > 0 && header.Size > h.cfg.MaxFileSize {
			return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", nil)
		}

		file, err := header.Open()
		if err != nil {
			return nil, newError("INVALID_INPUT", "アップロードファイルを開けませんでした。", err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, newError("INVALID_INPUT", "アップロードファイルの読み込みに失敗しました。", err)
		}

		name := header.Filename
		if name == "" {
			name = fmt.Sprintf("image_%d", i)
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mimetype.Detect(data).String()
		}

		sources = append(sources, &queue.Source{
			Name:        name,
			Size:        int64(len(data)),
			ContentType: contentType,
			Data:        data,
		})
	}
	return sources, nil
}

type runRequest struct {
	Concurrency int `json:"concurrency"`
	Quality     int `json:"quality"`
	MaxWidth    int `json:"maxWidth"`
}

// Run は POST /api/batch/run のハンドラーです。
// 実行はバックグラウンドで進み、進捗は GET /api/batch で観測します。
func (h *Handler) Run(c *gin.Context) {
	sess := h.session(c)

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "実行パラメータは JSON で送ってください。",
		})
		return
	}
	if req.Concurrency <= 0 {
		req.Concurrency = h.cfg.DefaultConcurrency
	}
	if req.Quality <= 0 {
		req.Quality = h.cfg.DefaultQuality
	}

	opts := scheduler.RunOptions{
		Concurrency: req.Concurrency,
		Quality:     req.Quality,
		MaxWidth:    req.MaxWidth,
		Token:       sess.Token(),
	}

	// セッション終了時に中断ではなく放置する設計のため、リクエストの
	// コンテキストには紐付けない。
	if err := sess.Runner.Start(context.Background(), sess.Queue, opts); err != nil {
		if errors.Is(err, scheduler.ErrRunActive) {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "RUN_ACTIVE",
				"message": "前回の変換がまだ実行中です。",
			})
			return
		}
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"counts": sess.Queue.Counts(),
	})
}

// Status は GET /api/batch のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	sess := h.session(c)

	jobs := sess.Queue.Jobs()
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toJobView(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":    views,
		"counts":  sess.Queue.Counts(),
		"running": sess.Runner.Active(),
	})
}

// RemoveFile は DELETE /api/batch/files/:id のハンドラーです。
func (h *Handler) RemoveFile(c *gin.Context) {
	sess := h.session(c)
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ジョブIDを指定してください。",
		})
		return
	}

	switch err := sess.Queue.Remove(id); {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, queue.ErrJobProcessing):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_PROCESSING",
			"message": "変換中のジョブは削除できません。",
		})
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	default:
		respondWithError(c, err)
	}
}

// ClearCompleted は POST /api/batch/clear-completed のハンドラーです。
func (h *Handler) ClearCompleted(c *gin.Context) {
	sess := h.session(c)
	removed := sess.Queue.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{
		"removed": removed,
		"counts":  sess.Queue.Counts(),
	})
}

// Reset は POST /api/batch/reset のハンドラーです。実行中は拒否されます。
func (h *Handler) Reset(c *gin.Context) {
	sess := h.session(c)
	if err := sess.Runner.ResetIfIdle(sess.Queue); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "RUN_ACTIVE",
			"message": "変換の実行中はリセットできません。",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Download は GET /api/batch/download のハンドラーです。
// done のジョブをZIPにまとめて添付ファイルとして返します。
func (h *Handler) Download(c *gin.Context) {
	sess := h.session(c)

	data, err := bundle.Build(sess.Queue)
	if err != nil {
		if errors.Is(err, bundle.ErrNoResults) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NO_RESULTS",
				"message": "ダウンロードできる変換結果がありません。",
			})
			return
		}
		respondWithError(c, err)
		return
	}

	filename := bundle.Filename(h.now())
	encodedName := url.PathEscape(filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/zip", data)
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// AttachToken は POST /api/session/token のハンドラーです。
// トークンを正本で検証してからセッションに紐付けます。
func (h *Handler) AttachToken(c *gin.Context) {
	sess := h.session(c)

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "token を JSON で送ってください。",
		})
		return
	}

	snap, err := h.accounts.Refresh(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, account.ErrInvalidToken) {
			sess.SetToken("")
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "資格情報が無効です。再度ログインしてください。",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "ACCOUNT_LOOKUP_FAILED",
			"message": "アカウント情報の取得に失敗しました。",
		})
		return
	}

	sess.SetToken(req.Token)
	c.JSON(http.StatusOK, gin.H{
		"accountId":       snap.AccountID,
		"planActive":      snap.PlanActive,
		"unlimited":       snap.IsUnlimited(),
		"conversionsUsed": snap.ConversionsUsed,
	})
}

// DetachToken は DELETE /api/session/token のハンドラーです。
func (h *Handler) DetachToken(c *gin.Context) {
	sess := h.session(c)
	if token := sess.Token(); token != "" {
		h.accounts.Forget(c.Request.Context(), token)
	}
	sess.SetToken("")
	c.Status(http.StatusNoContent)
}

// SessionInfo は GET /api/session のハンドラーです。
func (h *Handler) SessionInfo(c *gin.Context) {
	sess := h.session(c)

	snap := h.snapshotFor(c.Request.Context(), sess)
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated":   true,
		"accountId":       snap.AccountID,
		"planActive":      snap.PlanActive,
		"unlimited":       snap.IsUnlimited(),
		"conversionsUsed": snap.ConversionsUsed,
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
