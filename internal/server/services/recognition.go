package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dispatch"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

const (
	// RecognitionPoints is awarded per stored online recognition.
	RecognitionPoints = 1
	// RecognitionDailyLimit caps how many recognitions a day earn points.
	RecognitionDailyLimit = 5
)

// PointsInfo reports the points outcome of a recognition for a known user.
type PointsInfo struct {
	Awarded           int64
	Total             int64
	DailyCount        int64
	DailyLimit        int64
	ReachedDailyLimit bool
}

// Recognition is the answer to one recognition request.
type Recognition struct {
	Labels         []Detection
	ResultImage    string
	OutputFilename string
	// Points is nil for anonymous callers.
	Points *PointsInfo
}

// RecognitionService sends images through the dispatch queue to the scorer
// and credits the best detection to the caller's history.
type RecognitionService struct {
	repomanager repomanager.RepositoryManager
	queue       *dispatch.Queue[*ScoreResult]
	scorer      Scorer
	images      ImageArchive
	state       StoreState
	clock       timex.Clock
	logger      logging.Logger
}

func NewRecognitionService(m repomanager.RepositoryManager, queue *dispatch.Queue[*ScoreResult], scorer Scorer,
	images ImageArchive, state StoreState, clock timex.Clock, logger logging.Logger) *RecognitionService {
	return &RecognitionService{
		repomanager: m,
		queue:       queue,
		scorer:      scorer,
		images:      images,
		state:       state,
		clock:       clock,
		logger:      logger.With("module", "recognition"),
	}
}

// Recognize scores image. Scorer failures and timeouts degrade to an empty
// detection list; only a closed queue or a cancelled caller fail the call.
func (s *RecognitionService) Recognize(ctx context.Context, userID string, image []byte, filename string) (*Recognition, error) {
	if len(image) == 0 {
		return nil, validationError("image is required")
	}
	if filename == "" {
		filename = "upload.jpg"
	}

	outputName := OutputName(userID, s.clock.Now(), image, filename)
	res, err := s.score(ctx, image, filename, outputName)
	if err != nil {
		return nil, err
	}

	out := &Recognition{
		Labels:         enrich(res.Labels),
		OutputFilename: res.OutputFilename,
	}
	if out.OutputFilename == "" {
		out.OutputFilename = outputName
	}

	result := Image{Data: image, ContentType: contentTypeOf(filename)}
	if res.ResultImageBase64 != "" {
		decoded, err := DecodeImage(res.ResultImageBase64)
		if err != nil {
			s.logger.Warn(ctx, "scorer returned an unreadable image", "error", err)
		} else if decoded != nil {
			result = *decoded
		}
	}
	out.ResultImage = DataURL(result)

	if userID != "" {
		out.Points = &PointsInfo{DailyLimit: RecognitionDailyLimit}
		if s.state.IsOnline() && len(out.Labels) > 0 {
			s.credit(ctx, userID, out, result)
		}
	}

	s.logger.Info(ctx, "recognition finished", "output", out.OutputFilename, "labels", len(out.Labels))
	return out, nil
}

func (s *RecognitionService) score(ctx context.Context, image []byte, filename, outputName string) (*ScoreResult, error) {
	started := s.clock.Now()

	fut := s.queue.Submit(func(ctx context.Context) (*ScoreResult, error) {
		metrics.IncRecognitionInFlight()
		defer metrics.DecRecognitionInFlight()
		return s.scorer.Score(ctx, image, filename, outputName)
	})

	res, err := fut.Wait(ctx)
	took := s.clock.Now().Sub(started)

	switch {
	case err == nil && res != nil:
		metrics.ObserveRecognition(metrics.RecognitionOK, took)
		return res, nil
	case err == nil:
		metrics.ObserveRecognition(metrics.RecognitionOK, took)
	case errors.Is(err, dispatch.ErrQueueClosed):
		metrics.ObserveRecognition(metrics.RecognitionRejected, took)
		return nil, fmt.Errorf("recognition unavailable: %w", err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, common.ErrUpstreamTimeout):
		metrics.ObserveRecognition(metrics.RecognitionTimeout, took)
		s.logger.Warn(ctx, "scorer timed out, returning empty result", "output", outputName)
	default:
		metrics.ObserveRecognition(metrics.RecognitionFailed, took)
		s.logger.Warn(ctx, "scorer failed, returning empty result", "output", outputName, "error", err)
	}
	return &ScoreResult{Labels: []Detection{}}, nil
}

// credit stores the best detection and awards points. Failures are logged
// and leave the recognition result intact.
func (s *RecognitionService) credit(ctx context.Context, userID string, out *Recognition, img Image) {
	best := out.Labels[0]
	for _, l := range out.Labels[1:] {
		if l.Confidence > best.Confidence {
			best = l
		}
	}
	category := "unknown"
	if c, ok := CategoryByClass(best.Class); ok {
		category = c.Key
	}

	ref, err := s.images.Put(ctx, img)
	if err != nil {
		s.logger.Warn(ctx, "image archive failed, storing inline", "error", err)
		ref = DataURL(img)
	}

	db := s.repomanager.Conn()
	if _, err := s.repomanager.Histories(db).Create(ctx, &models.History{
		UserID:     userID,
		ImageRef:   ref,
		Category:   category,
		Confidence: best.Confidence,
		Source:     models.SourceOnline,
		CreatedAt:  s.clock.Now(),
	}); err != nil {
		s.logger.Error(ctx, "storing recognition history failed", "user_id", userID, "error", storeError(s.state, err))
		return
	}

	count, err := s.repomanager.Histories(db).CountSince(ctx, userID, models.SourceOnline, startOfDay(s.clock.Now()))
	if err != nil {
		s.logger.Error(ctx, "counting daily recognitions failed", "user_id", userID, "error", storeError(s.state, err))
		return
	}
	out.Points.DailyCount = count

	// count includes the row just written
	if count > RecognitionDailyLimit {
		out.Points.ReachedDailyLimit = true
		if u, err := s.repomanager.Users(db).GetByID(ctx, userID); err == nil {
			out.Points.Total = u.Points
		}
		return
	}

	total, err := s.repomanager.Users(db).AddPoints(ctx, userID, RecognitionPoints)
	if err != nil {
		s.logger.Error(ctx, "awarding recognition points failed", "user_id", userID, "error", storeError(s.state, err))
		return
	}
	out.Points.Awarded = RecognitionPoints
	out.Points.Total = total
}

func enrich(labels []Detection) []Detection {
	out := make([]Detection, 0, len(labels))
	for _, l := range labels {
		if c, ok := CategoryByClass(l.Class); ok {
			l.Name = c.Label
			l.Describe = c.Hint
		} else {
			l.Name = "未知类型"
			l.Describe = ""
		}
		out = append(out, l)
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func contentTypeOf(filename string) string {
	if ext := lowerExt(filename); ext == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}
