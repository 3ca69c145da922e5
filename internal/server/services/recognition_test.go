package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dispatch"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScorer struct {
	res   *ScoreResult
	err   error
	block bool
	calls int
}

func (s *fakeScorer) Score(ctx context.Context, image []byte, filename, outputName string) (*ScoreResult, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.res
	cp.Labels = append([]Detection(nil), s.res.Labels...)
	return &cp, nil
}

func recognitionFixture(t *testing.T, scorer Scorer, timeout time.Duration) (*fixture, *RecognitionService, *dispatch.Queue[*ScoreResult]) {
	t.Helper()
	f := newFixture(t)
	q := dispatch.New[*ScoreResult](1, timeout)
	t.Cleanup(q.Close)
	svc := NewRecognitionService(f.store, q, scorer, InlineImages{}, f.state, f.clock, logging.NewDiscardLogger())
	return f, svc, q
}

var bottle = &ScoreResult{Labels: []Detection{
	{Class: 3, Confidence: 0.4},
	{Class: 2, Confidence: 0.92, Box: []float64{1, 2, 3, 4}},
}}

func TestRecognize_EnrichesLabels(t *testing.T) {
	_, svc, _ := recognitionFixture(t, &fakeScorer{res: &ScoreResult{Labels: []Detection{
		{Class: 2, Confidence: 0.9},
		{Class: 9, Confidence: 0.1},
	}}}, time.Second)

	got, err := svc.Recognize(context.Background(), "", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)

	require.Len(t, got.Labels, 2)
	assert.Equal(t, "可回收垃圾", got.Labels[0].Name)
	assert.NotEmpty(t, got.Labels[0].Describe)
	assert.Equal(t, "未知类型", got.Labels[1].Name)
	assert.Nil(t, got.Points, "anonymous callers get no points")
	assert.Equal(t, "data:image/jpeg;base64,anBlZw==", got.ResultImage)
	assert.Regexp(t, `^result_anonymous_\d+_[0-9a-f]{8}\.jpg$`, got.OutputFilename)
}

func TestRecognize_UsesScorerImage(t *testing.T) {
	_, svc, _ := recognitionFixture(t, &fakeScorer{res: &ScoreResult{
		Labels:            []Detection{},
		ResultImageBase64: "aGVsbG8=",
		OutputFilename:    "result.jpg",
	}}, time.Second)

	got, err := svc.Recognize(context.Background(), "", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", got.ResultImage)
	assert.Equal(t, "result.jpg", got.OutputFilename)
}

func TestRecognize_CreditsBestLabelUpToDailyLimit(t *testing.T) {
	f, svc, _ := recognitionFixture(t, &fakeScorer{res: bottle}, time.Second)
	ctx := context.Background()
	f.user("7", "alice", 0)

	var awarded int64
	for i := 0; i < RecognitionDailyLimit; i++ {
		got, err := svc.Recognize(ctx, "7", []byte("jpeg"), "photo.png")
		require.NoError(t, err)
		require.NotNil(t, got.Points)
		assert.False(t, got.Points.ReachedDailyLimit)
		awarded += got.Points.Awarded
	}

	got, err := svc.Recognize(ctx, "7", []byte("jpeg"), "photo.png")
	require.NoError(t, err)
	assert.True(t, got.Points.ReachedDailyLimit)
	assert.Zero(t, got.Points.Awarded)
	assert.Equal(t, int64(RecognitionDailyLimit+1), got.Points.DailyCount)
	assert.Equal(t, int64(RecognitionDailyLimit), got.Points.Total)
	assert.Equal(t, int64(RecognitionDailyLimit), awarded)

	hs := f.store.AllHistories()
	require.Len(t, hs, RecognitionDailyLimit+1)
	assert.Equal(t, "recyclable", hs[0].Category)
	assert.Equal(t, 0.92, hs[0].Confidence)
	assert.Equal(t, models.SourceOnline, hs[0].Source)
	assert.Equal(t, "data:image/png;base64,anBlZw==", hs[0].ImageRef)

	// a new day resets the count
	f.clock.Advance(24 * time.Hour)
	got, err = svc.Recognize(ctx, "7", []byte("jpeg"), "photo.png")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Points.Awarded)
	assert.Equal(t, int64(1), got.Points.DailyCount)
}

func TestRecognize_NoCreditWithoutLabelsOrOffline(t *testing.T) {
	f, svc, _ := recognitionFixture(t, &fakeScorer{res: &ScoreResult{Labels: []Detection{}}}, time.Second)
	ctx := context.Background()
	f.user("7", "alice", 0)

	got, err := svc.Recognize(ctx, "7", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)
	require.NotNil(t, got.Points)
	assert.Zero(t, got.Points.Awarded)
	assert.Empty(t, f.store.AllHistories())

	f2, svc2, _ := recognitionFixture(t, &fakeScorer{res: bottle}, time.Second)
	f2.user("7", "alice", 0)
	f2.goOffline()

	got, err = svc2.Recognize(ctx, "7", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)
	assert.Len(t, got.Labels, 2, "recognition works while the store is down")
	assert.Zero(t, got.Points.Awarded)
	assert.Empty(t, f2.store.AllHistories())
}

func TestRecognize_ScorerFailureGivesEmptyLabels(t *testing.T) {
	_, svc, _ := recognitionFixture(t, &fakeScorer{err: errors.New("model crashed")}, time.Second)

	got, err := svc.Recognize(context.Background(), "", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)
	assert.Empty(t, got.Labels)
	assert.NotNil(t, got.Labels)
}

func TestRecognize_TimeoutGivesEmptyLabels(t *testing.T) {
	_, svc, _ := recognitionFixture(t, &fakeScorer{block: true}, 20*time.Millisecond)

	got, err := svc.Recognize(context.Background(), "", []byte("jpeg"), "photo.jpg")
	require.NoError(t, err)
	assert.Empty(t, got.Labels)
}

func TestRecognize_ClosedQueueFails(t *testing.T) {
	_, svc, q := recognitionFixture(t, &fakeScorer{res: bottle}, time.Second)
	q.Close()

	_, err := svc.Recognize(context.Background(), "", []byte("jpeg"), "photo.jpg")
	assert.ErrorIs(t, err, dispatch.ErrQueueClosed)
}

func TestRecognize_EmptyImage(t *testing.T) {
	_, svc, _ := recognitionFixture(t, &fakeScorer{res: bottle}, time.Second)
	_, err := svc.Recognize(context.Background(), "", nil, "photo.jpg")
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestOutputName(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	assert.Regexp(t, `^result_u42_1700000000123_[0-9a-f]{8}\.png$`, OutputName("42", at, []byte("x"), "A.PNG"))
	assert.Regexp(t, `^result_anonymous_1700000000123_[0-9a-f]{8}\.jpg$`, OutputName("", at, []byte("x"), "noext"))
	assert.Equal(t, OutputName("1", at, []byte("x"), "a.jpg"), OutputName("1", at, []byte("x"), "b.jpg"))
	assert.NotEqual(t, OutputName("1", at, []byte("x"), "a.jpg"), OutputName("1", at, []byte("y"), "a.jpg"))
}

func TestHTTPScorer_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "result_u1_1_abcdef12.jpg", r.FormValue("output_filename"))

		file, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "photo.jpg", hdr.Filename)
		assert.Equal(t, "jpeg", string(data))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"labels":      []map[string]any{{"class": 1, "confidence": 0.7, "box": []float64{0, 0, 5, 5}}},
			"output_file": "stored.jpg",
		})
	}))
	defer srv.Close()

	res, err := NewHTTPScorer(srv.URL, srv.Client()).Score(context.Background(), []byte("jpeg"), "photo.jpg", "result_u1_1_abcdef12.jpg")
	require.NoError(t, err)
	require.Len(t, res.Labels, 1)
	assert.Equal(t, 1, res.Labels[0].Class)
	assert.Equal(t, 0.7, res.Labels[0].Confidence)
	assert.Equal(t, "stored.jpg", res.OutputFilename)
}

func TestHTTPScorer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			_, _ = w.Write([]byte("not json"))
			return
		}
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPScorer(srv.URL, srv.Client()).Score(context.Background(), []byte("x"), "a.jpg", "o.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = NewHTTPScorer(srv.URL+"/broken", srv.Client()).Score(context.Background(), []byte("x"), "a.jpg", "o.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scorer reply")
}
