package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/cryptox"
	"github.com/dmitrijs2005/smartbin/internal/netx"
)

// Detection is one object found by the scorer.
type Detection struct {
	Class      int       `json:"class"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"`
	// Name and Describe are filled from the category table.
	Name     string `json:"name,omitempty"`
	Describe string `json:"describe,omitempty"`
}

// ScoreResult is the scorer reply.
type ScoreResult struct {
	Labels            []Detection `json:"labels"`
	ResultImageBase64 string      `json:"result_img_base64,omitempty"`
	OutputFilename    string      `json:"output_filename,omitempty"`
	OutputFile        string      `json:"output_file,omitempty"`
}

// Scorer runs the external image classifier.
type Scorer interface {
	Score(ctx context.Context, image []byte, filename, outputName string) (*ScoreResult, error)
}

// HTTPScorer posts images as multipart/form-data to the scorer service.
type HTTPScorer struct {
	url    string
	client *http.Client
}

func NewHTTPScorer(url string, client *http.Client) *HTTPScorer {
	return &HTTPScorer{url: url, client: client}
}

func (s *HTTPScorer) Score(ctx context.Context, image []byte, filename, outputName string) (*ScoreResult, error) {
	body, err := netx.PostMultipart(ctx, s.client, s.url,
		map[string]string{"output_filename": outputName},
		netx.FilePart{Field: "image", FileName: filename, Data: image},
	)
	if err != nil {
		return nil, fmt.Errorf("scorer call: %w", err)
	}

	res := &ScoreResult{}
	if err := json.Unmarshal(body, res); err != nil {
		return nil, fmt.Errorf("scorer reply: %w", err)
	}
	if res.OutputFilename == "" {
		res.OutputFilename = res.OutputFile
	}
	if res.OutputFilename == "" {
		res.OutputFilename = outputName
	}
	return res, nil
}

// OutputName builds the result file name hint sent to the scorer:
// result_<user>_<unix millis>_<digest><ext>.
func OutputName(userID string, at time.Time, image []byte, filename string) string {
	user := "anonymous"
	if userID != "" {
		user = "u" + userID
	}
	ext := lowerExt(filename)
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("result_%s_%d_%s%s", user, at.UnixMilli(), cryptox.ShortDigest(image, 8), ext)
}

func lowerExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
