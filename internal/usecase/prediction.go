package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chicken-disease/internal/annotate"
	"github.com/example/chicken-disease/internal/apperr"
	"github.com/example/chicken-disease/internal/catalog"
	"github.com/example/chicken-disease/internal/inference"
	"github.com/example/chicken-disease/internal/logging"
	"github.com/example/chicken-disease/internal/repository"
	"github.com/example/chicken-disease/internal/staging"
)

// ErrMissingImage is the cause attached when a request carries no image.
var ErrMissingImage = errors.New("No image file provided") //nolint:stylecheck // surfaced verbatim to clients

const (
	defaultMaxUploadBytes = 10 << 20
	defaultMaxImagePixels = 25_000_000
)

// PredictionRepository defines the audit operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Stager stages an upload on disk for the lifetime of one request.
type Stager interface {
	Stage(r io.Reader, limit int64) (*staging.Artifact, error)
}

// PredictionUseCase encapsulates the predict flow: stage, infer, annotate, audit.
type PredictionUseCase struct {
	gateway        inference.Client
	builder        *annotate.Builder
	stager         Stager
	logger         *zap.Logger
	cache          Cache
	cacheTTL       time.Duration
	cachePrefix    string
	repo           PredictionRepository
	maxUploadBytes int64
	maxImagePixels int64
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises a PredictionUseCase.
type Option func(*PredictionUseCase)

// WithCache memoises raw detections per image digest under prefix.
func WithCache(cache Cache, ttl time.Duration, prefix string) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
		uc.cachePrefix = prefix
	}
}

// WithRepository enables the audit log.
func WithRepository(repo PredictionRepository) Option {
	return func(uc *PredictionUseCase) {
		uc.repo = repo
	}
}

// WithMaxUploadBytes bounds the staged upload size.
func WithMaxUploadBytes(n int64) Option {
	return func(uc *PredictionUseCase) {
		if n > 0 {
			uc.maxUploadBytes = n
		}
	}
}

// WithMaxImagePixels bounds the decoded width*height of an upload.
func WithMaxImagePixels(n int64) Option {
	return func(uc *PredictionUseCase) {
		if n > 0 {
			uc.maxImagePixels = n
		}
	}
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(gateway inference.Client, builder *annotate.Builder, stager Stager, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		gateway:        gateway,
		builder:        builder,
		stager:         stager,
		logger:         logger.Named("prediction_usecase"),
		maxUploadBytes: defaultMaxUploadBytes,
		maxImagePixels: defaultMaxImagePixels,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Diseases returns the static disease reference catalog.
func (uc *PredictionUseCase) Diseases() []catalog.Disease {
	return catalog.Diseases()
}

type auditRecord struct {
	hash       string
	detections []inference.Detection
}

// Predict stages the upload, runs inference and builds the response.
// The staged file is removed before Predict returns on every path.
func (uc *PredictionUseCase) Predict(ctx context.Context, upload io.Reader) (*annotate.PredictionResponse, error) {
	requestID := uuid.NewString()
	start := time.Now()

	resp, audit, err := uc.predict(ctx, requestID, upload)
	uc.recordAudit(ctx, requestID, audit, time.Since(start), err)
	return resp, err
}

func (uc *PredictionUseCase) predict(ctx context.Context, requestID string, upload io.Reader) (*annotate.PredictionResponse, auditRecord, error) {
	var audit auditRecord
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if upload == nil {
		return nil, audit, apperr.New(apperr.KindMissingInput, "usecase.predict", requestID, ErrMissingImage)
	}

	artifact, err := uc.stager.Stage(upload, uc.maxUploadBytes)
	if err != nil {
		opLogger.Warn("failed to stage upload", zap.Error(err))
		return nil, audit, retag("usecase.stage", requestID, err)
	}
	defer func() {
		if err := artifact.Release(); err != nil {
			opLogger.Error("failed to remove staged upload", zap.Error(err), zap.String("path", artifact.Path()))
		}
	}()

	if artifact.Size() == 0 {
		return nil, audit, apperr.New(apperr.KindMissingInput, "usecase.predict", requestID, ErrMissingImage)
	}
	if err := uc.checkDimensions(requestID, artifact); err != nil {
		opLogger.Warn("rejected upload before decoding", zap.Error(err))
		return nil, audit, err
	}

	data, err := artifact.ReadAll()
	if err != nil {
		return nil, audit, retag("usecase.read_upload", requestID, err)
	}

	digest := sha1.Sum(data)
	audit.hash = hex.EncodeToString(digest[:])

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		opLogger.Warn("rejected undecodable upload", zap.Error(err))
		return nil, audit, apperr.New(apperr.KindProcessing, "usecase.decode_image", requestID, fmt.Errorf("unable to decode image: %w", err))
	}
	opLogger.Debug("upload decoded", zap.String("format", format), zap.Int("bytes", len(data)))

	detections, err := uc.detect(ctx, requestID, audit.hash, data)
	if err != nil {
		return nil, audit, err
	}
	audit.detections = detections

	resp, err := uc.builder.Build(img, detections)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindEmptyResult {
			opLogger.Info("no detections returned")
		} else {
			opLogger.Error("failed to build response", zap.Error(err))
		}
		return nil, audit, retag("usecase.build_response", requestID, err)
	}

	opLogger.Info("prediction completed", zap.Int("detections", len(resp.Predictions)))
	return resp, audit, nil
}

// checkDimensions reads only the image header so oversized canvases are refused before allocation.
func (uc *PredictionUseCase) checkDimensions(requestID string, artifact *staging.Artifact) error {
	file, err := artifact.Open()
	if err != nil {
		return retag("usecase.open_upload", requestID, err)
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return apperr.New(apperr.KindProcessing, "usecase.decode_image", requestID, fmt.Errorf("unable to decode image: %w", err))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > uc.maxImagePixels {
		return apperr.New(apperr.KindPayloadTooLarge, "usecase.check_dimensions", requestID,
			fmt.Errorf("image is %dx%d, exceeding %d pixels", cfg.Width, cfg.Height, uc.maxImagePixels))
	}
	return nil
}

// detect consults the cache before calling the gateway. Cache failures never fail the request.
func (uc *PredictionUseCase) detect(ctx context.Context, requestID, hash string, data []byte) ([]inference.Detection, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID)
	cacheKey := uc.cachePrefix + hash

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.detections", cacheKey)
		switch {
		case err == nil:
			var detections []inference.Detection
			decodeErr := json.Unmarshal([]byte(cached), &detections)
			if decodeErr == nil {
				opLogger.Debug("inference cache hit", zap.Int("detections", len(detections)))
				return detections, nil
			}
			opLogger.Warn("failed to decode cached detections", zap.Error(decodeErr))
		case isCacheMiss(err):
		default:
			opLogger.Warn("failed to read inference cache", zap.Error(err))
		}
	}

	detections, err := uc.gateway.Infer(ctx, data, inference.DefaultOptions())
	if err != nil {
		wrapped := apperr.New(apperr.KindInference, "usecase.infer", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(detections)
		if err == nil {
			err = uc.withRedisRetry(ctx, requestID, "cache.set.detections", func() error {
				return uc.cache.Set(ctx, cacheKey, string(serialized), uc.cacheTTL)
			})
		}
		if err != nil {
			opLogger.Warn("failed to cache detections", zap.Error(err))
		}
	}

	return detections, nil
}

func (uc *PredictionUseCase) recordAudit(ctx context.Context, requestID string, audit auditRecord, latency time.Duration, predictErr error) {
	if uc.repo == nil {
		return
	}

	classes := make([]string, 0, len(audit.detections))
	for _, det := range audit.detections {
		classes = append(classes, det.ClassLabel)
	}
	log := &repository.PredictionLog{
		RequestID:      requestID,
		ImageSHA1:      audit.hash,
		DetectionCount: len(audit.detections),
		Classes:        strings.Join(classes, ","),
		LatencyMs:      latency.Milliseconds(),
		Success:        predictErr == nil,
		CreatedAt:      time.Now().UTC(),
	}
	if predictErr != nil {
		log.ErrorKind = apperr.KindOf(predictErr).String()
	}

	if err := uc.repo.SaveLog(context.WithoutCancel(ctx), log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_audit", requestID).Warn("failed to persist prediction log", zap.Error(err))
	}
}

// retag attaches the request id while keeping the kind chosen by the callee.
func retag(operation, requestID string, err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindProcessing
	}
	return apperr.New(kind, operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return apperr.New(apperr.KindProcessing, operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperr.New(apperr.KindProcessing, operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !apperr.IsTransient(err) || attempt == uc.retryAttempts-1 {
			if !isCacheMiss(err) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return apperr.New(apperr.KindProcessing, operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return apperr.New(apperr.KindProcessing, operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
