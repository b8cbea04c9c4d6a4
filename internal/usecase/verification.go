package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/similarity"
)

// Options tunes how the use case drives the face model.
type Options struct {
	// EmbeddingDim, when positive, is the exact embedding length expected.
	EmbeddingDim int
	// MaxConcurrent bounds model calls in flight across all requests.
	MaxConcurrent int64
	// CallTimeout bounds a single model call.
	CallTimeout time.Duration
}

// VerifyRequest carries the two uploads of one verification.
type VerifyRequest struct {
	RequestID string
	UserID    string
	CardImage []byte
	LiveImage []byte
}

// Outcome is the locale independent result of a verification.
type Outcome struct {
	RequestID string
	Verdict   decision.Verdict
	CardFaces int
	LiveFaces int
	Latency   time.Duration
}

// VerificationUseCase encapsulates the verification flow.
type VerificationUseCase struct {
	extractor faceembed.Extractor
	rule      decision.Rule
	stats     StatsRecorder
	logger    *zap.Logger
	sem       *semaphore.Weighted
	opts      Options
	now       func() time.Time
}

// NewVerificationUseCase constructs a new use case instance. A nil stats
// recorder keeps counters in memory.
func NewVerificationUseCase(extractor faceembed.Extractor, rule decision.Rule, stats StatsRecorder, logger *zap.Logger, opts Options) *VerificationUseCase {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if stats == nil {
		stats = NewMemoryStats()
	}
	return &VerificationUseCase{
		extractor: extractor,
		rule:      rule,
		stats:     stats,
		logger:    logger.Named("verification_usecase"),
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		opts:      opts,
		now:       time.Now,
	}
}

// Verify decodes both images, embeds the largest face of each and compares
// them.
func (uc *VerificationUseCase) Verify(ctx context.Context, req VerifyRequest) (*Outcome, error) {
	started := uc.now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	if req.UserID != "" {
		opLogger = opLogger.With(zap.String("user_id", req.UserID))
	}

	outcome, err := uc.verify(ctx, requestID, req, opLogger)
	latency := uc.now().Sub(started)

	sample := Sample{Latency: latency}
	if err != nil {
		sample.Code = ErrorCode(err)
		if sample.Code == CodeVerificationFailed {
			opLogger.Error("verification failed", zap.Error(err))
		} else {
			opLogger.Info("verification rejected input", zap.String("code", sample.Code), zap.Error(err))
		}
	} else {
		outcome.Latency = latency
		sample.IsMatch = outcome.Verdict.IsMatch
		sample.Similarity = outcome.Verdict.Similarity
		opLogger.Info("verification completed",
			zap.Bool("is_match", outcome.Verdict.IsMatch),
			zap.Float64("similarity", outcome.Verdict.Similarity),
			zap.Duration("latency", latency),
		)
	}
	if recErr := uc.stats.Record(ctx, sample); recErr != nil {
		opLogger.Warn("failed to record verification stats", zap.Error(recErr))
	}

	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (uc *VerificationUseCase) verify(ctx context.Context, requestID string, req VerifyRequest, opLogger *zap.Logger) (*Outcome, error) {
	card, err := imagedecode.Decode(req.CardImage)
	if err != nil {
		return nil, &ImageError{Role: RoleCard, Err: err}
	}
	live, err := imagedecode.Decode(req.LiveImage)
	if err != nil {
		return nil, &ImageError{Role: RoleLive, Err: err}
	}

	// Errors are kept per role so a card failure is reported even when the
	// live extraction fails first.
	var (
		wg                 sync.WaitGroup
		cardFace, liveFace embedded
		cardErr, liveErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cardFace, cardErr = uc.embed(ctx, requestID, RoleCard, card, opLogger)
	}()
	go func() {
		defer wg.Done()
		liveFace, liveErr = uc.embed(ctx, requestID, RoleLive, live, opLogger)
	}()
	wg.Wait()
	if cardErr != nil {
		return nil, cardErr
	}
	if liveErr != nil {
		return nil, liveErr
	}

	sim, err := similarity.Cosine(cardFace.embedding, liveFace.embedding)
	if err != nil {
		return nil, logging.NewOperationError("usecase.cosine", requestID, err)
	}

	return &Outcome{
		RequestID: requestID,
		Verdict:   uc.rule.Evaluate(sim),
		CardFaces: cardFace.count,
		LiveFaces: liveFace.count,
	}, nil
}

type embedded struct {
	embedding []float32
	count     int
}

func (uc *VerificationUseCase) embed(ctx context.Context, requestID string, role Role, img *imagedecode.Image, opLogger *zap.Logger) (embedded, error) {
	operation := "usecase.extract_" + string(role)

	ctx, cancel := context.WithTimeout(ctx, uc.opts.CallTimeout)
	defer cancel()

	if err := uc.sem.Acquire(ctx, 1); err != nil {
		return embedded{}, logging.NewOperationError(operation, requestID, err)
	}
	faces, err := uc.extractor.Extract(ctx, img)
	uc.sem.Release(1)
	if err != nil {
		if errors.Is(err, faceembed.ErrNoFace) {
			return embedded{}, &ImageError{Role: role, Err: err}
		}
		return embedded{}, logging.NewOperationError(operation, requestID, err)
	}

	face, err := faceembed.Largest(faces)
	if err != nil {
		return embedded{}, &ImageError{Role: role, Err: err}
	}
	if len(faces) > 1 {
		opLogger.Warn("multiple faces detected, using the largest",
			zap.String("role", string(role)),
			zap.Int("faces", len(faces)),
		)
	}
	if err := faceembed.ValidateEmbedding(face.Embedding, uc.opts.EmbeddingDim); err != nil {
		return embedded{}, logging.NewOperationError(operation, requestID, err)
	}
	return embedded{embedding: face.Embedding, count: len(faces)}, nil
}
