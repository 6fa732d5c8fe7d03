package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/chicken-disease/internal/annotate"
	"github.com/example/chicken-disease/internal/apperr"
	"github.com/example/chicken-disease/internal/catalog"
	"github.com/example/chicken-disease/internal/usecase"
)

// MaxUploadSize is the default limit for a single uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers around the file.
const multipartOverhead = 1 << 20

const liveness = "Chicken Disease Detection API is up and running!"

// PredictionService is the use case surface the routes depend on.
type PredictionService interface {
	Predict(ctx context.Context, upload io.Reader) (*annotate.PredictionResponse, error)
	Diseases() []catalog.Disease
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options tune route registration.
type Options struct {
	MaxUploadBytes    int64
	PredictMiddleware []gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PredictionService, opts Options) {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, liveness)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/diseases", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"diseases": svc.Diseases()})
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	predict := append([]gin.HandlerFunc{}, opts.PredictMiddleware...)
	predict = append(predict, predictHandler(svc, maxUpload))
	router.POST("/predict", predict...)
}

func predictHandler(svc PredictionService, maxUpload int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			if isBodyTooLarge(err) {
				writeError(c, apperr.Newf(apperr.KindPayloadTooLarge, "handlers.predict", "image file too large"))
				return
			}
			writeError(c, apperr.New(apperr.KindMissingInput, "handlers.predict", "", usecase.ErrMissingImage))
			return
		}

		if file.Size > maxUpload {
			writeError(c, apperr.Newf(apperr.KindPayloadTooLarge, "handlers.predict", "image file too large"))
			return
		}
		if contentType := file.Header.Get("Content-Type"); !acceptedContentType(contentType) {
			writeError(c, apperr.Newf(apperr.KindUnsupportedMedia, "handlers.predict", "unsupported content type %q", contentType))
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		resp, err := svc.Predict(c.Request.Context(), src)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// writeError is the single place where error kinds become HTTP statuses.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	if errors.Is(err, usecase.ErrMetricsUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusForKind(apperr.KindOf(err)), gin.H{"error": apperr.MessageOf(err)})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindMissingInput, apperr.KindEmptyResult:
		return http.StatusBadRequest
	case apperr.KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case apperr.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// acceptedContentType allows image parts and parts sent without a specific type.
func acceptedContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		return true
	}
	return strings.HasPrefix(contentType, "image/")
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
