// Package handlers exposes the verification flow over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/messages"
	"github.com/example/face-verify/internal/ratelimit"
	"github.com/example/face-verify/internal/usecase"
)

// DefaultMaxUploadSize bounds a single uploaded image.
const DefaultMaxUploadSize = 10 << 20

// multipartOverhead is allowed on top of both images for boundaries and
// part headers.
const multipartOverhead = 1 << 20

const (
	fieldCardImage = "card_image"
	fieldLiveImage = "live_image"
)

const (
	CodeCardImageRequired    = "card_image_required"
	CodeLiveImageRequired    = "live_image_required"
	CodeImageTooLarge        = "image_too_large"
	CodeUnsupportedMediaType = "unsupported_media_type"
	CodeRateLimited          = "rate_limited"
	CodeInvalidRequest       = "invalid_request"
)

// Verifier is the use case surface the handlers need.
type Verifier interface {
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.Outcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RateLimiter decides whether a caller may verify again.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) ratelimit.Decision
}

// HealthInfo is reported by GET /health.
type HealthInfo struct {
	GPU     bool
	Model   string
	Backend string
}

// Options configures request limits.
type Options struct {
	MaxUploadSize int64
}

// Handler serves the HTTP API.
type Handler struct {
	verifier  Verifier
	localizer *messages.Localizer
	limiter   RateLimiter
	health    HealthInfo
	opts      Options
	logger    *zap.Logger
}

// New builds a Handler. limiter may be nil to disable rate limiting.
func New(verifier Verifier, localizer *messages.Localizer, limiter RateLimiter, health HealthInfo, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Handler{
		verifier:  verifier,
		localizer: localizer,
		limiter:   limiter,
		health:    health,
		opts:      opts,
		logger:    logger.Named("http_handler"),
	}
}

type verifyResponse struct {
	RequestID string `json:"request_id"`
	decision.Result
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", h.healthCheck)

	protected := router.Group("/")
	protected.Use(authMiddleware)
	protected.POST("/verify", h.verify)
	protected.GET("/metrics/summary", h.metricsSummary)
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"gpu":     h.health.GPU,
		"model":   h.health.Model,
		"backend": h.health.Backend,
	})
}

func (h *Handler) verify(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := logging.RequestIDFromContext(ctx)
	userID, _ := auth.GetUserID(ctx)

	if h.limiter != nil {
		subject := userID
		if subject == "" {
			subject = c.ClientIP()
		}
		if d := h.limiter.Allow(ctx, subject); !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			h.abort(c, http.StatusTooManyRequests, CodeRateLimited)
			return
		}
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*h.opts.MaxUploadSize+multipartOverhead)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.abort(c, http.StatusRequestEntityTooLarge, CodeImageTooLarge)
			return
		}
		h.abort(c, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	card, status, code := h.readPart(form, fieldCardImage, CodeCardImageRequired)
	if code != "" {
		h.abort(c, status, code)
		return
	}
	live, status, code := h.readPart(form, fieldLiveImage, CodeLiveImageRequired)
	if code != "" {
		h.abort(c, status, code)
		return
	}

	outcome, err := h.verifier.Verify(ctx, usecase.VerifyRequest{
		RequestID: requestID,
		UserID:    userID,
		CardImage: card,
		LiveImage: live,
	})
	if err != nil {
		code := usecase.ErrorCode(err)
		status := http.StatusBadRequest
		if code == usecase.CodeVerificationFailed {
			status = http.StatusInternalServerError
			_ = c.Error(err)
		}
		h.abort(c, status, code)
		return
	}

	printer := h.localizer.Printer(c.GetHeader("Accept-Language"))
	c.JSON(http.StatusOK, verifyResponse{
		RequestID: outcome.RequestID,
		Result:    outcome.Verdict.Describe(printer),
	})
}

// readPart returns the bytes of a required image part, or the status and
// error code describing why it was refused.
func (h *Handler) readPart(form *multipart.Form, field, missingCode string) ([]byte, int, string) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, http.StatusBadRequest, missingCode
	}
	file := files[0]

	if file.Size > h.opts.MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, CodeImageTooLarge
	}
	if !isImageContentType(file.Header.Get("Content-Type")) {
		return nil, http.StatusUnsupportedMediaType, CodeUnsupportedMediaType
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Warn("failed to open uploaded part", zap.String("field", field), zap.Error(err))
		return nil, http.StatusBadRequest, CodeInvalidRequest
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.logger.Warn("failed to read uploaded part", zap.String("field", field), zap.Error(err))
		return nil, http.StatusBadRequest, CodeInvalidRequest
	}
	return data, 0, ""
}

func isImageContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mediaType == "application/octet-stream" || strings.HasPrefix(mediaType, "image/")
}

func (h *Handler) metricsSummary(c *gin.Context) {
	summary, err := h.verifier.GetMetricsSummary(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		h.abort(c, http.StatusInternalServerError, usecase.CodeVerificationFailed)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) abort(c *gin.Context, status int, code string) {
	message := h.localizer.Text(c.GetHeader("Accept-Language"), messages.ErrorKey(code))
	c.AbortWithStatusJSON(status, gin.H{
		"detail": gin.H{"error": code, "message": message},
	})
}
