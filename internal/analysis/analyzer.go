// Package analysis identifies a part from a camera snapshot using a
// multimodal model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/partskiosk/internal/reliability"
)

// ErrAnalysis wraps every failure to produce a usable result.
var ErrAnalysis = errors.New("image analysis failed")

// Result is the identified part plus instructions for the customer.
type Result struct {
	PartName     string `json:"partName"`
	Instructions string `json:"instructions"`
}

type Analyzer interface {
	Analyze(ctx context.Context, image []byte, question string) (Result, error)
}

// ContentGenerator is the subset of *genai.Models the analyzer uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	Model   string
	Timeout time.Duration
}

// GeminiAnalyzer calls GenerateContent with a JSON response schema, behind a
// circuit breaker so a failing backend answers fast instead of stalling the
// conversation.
type GeminiAnalyzer struct {
	gen     ContentGenerator
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

const instruction = `You are a hardware store parts expert. Identify the single part the customer is holding up to the camera.
Reply with the part's common retail name and short, practical instructions that answer the customer's question.
If you cannot identify a part, set partName to "unknown" and explain what would help (a closer view, better light).`

// NewGeminiClient builds a Gemini API client for the analyzer.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

func NewGeminiAnalyzer(gen ContentGenerator, cfg Config, logger *zap.Logger) *GeminiAnalyzer {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &GeminiAnalyzer{gen: gen, cfg: cfg, logger: logger}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "part-analysis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a
}

func (a *GeminiAnalyzer) Analyze(ctx context.Context, image []byte, question string) (Result, error) {
	if len(image) == 0 {
		return Result{}, fmt.Errorf("%w: empty snapshot", ErrAnalysis)
	}
	out, err := a.breaker.Execute(func() (interface{}, error) {
		res, err := a.generate(ctx, image, question)
		if err != nil && retryable(err) && ctx.Err() == nil {
			a.logger.Info("retrying part analysis", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
			res, err = a.generate(ctx, image, question)
		}
		return res, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: backend unavailable: %v", ErrAnalysis, err)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysis, err)
	}
	return out.(Result), nil
}

const retryBackoff = 250 * time.Millisecond

// retryable reports whether the backend rejected the call with a transient
// HTTP status.
func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.Code)
	}
	return false
}

func (a *GeminiAnalyzer) generate(ctx context.Context, image []byte, question string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	question = strings.TrimSpace(question)
	if question == "" {
		question = "What is this part and how do I use it?"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/jpeg"),
			genai.NewPartFromText(question),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"partName":     {Type: genai.TypeString},
				"instructions": {Type: genai.TypeString},
			},
			Required: []string{"partName", "instructions"},
		},
	}

	started := time.Now()
	resp, err := a.gen.GenerateContent(ctx, a.cfg.Model, contents, config)
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}
	res, err := parseResult(resp.Text())
	if err != nil {
		return Result{}, err
	}
	a.logger.Info("part analyzed",
		zap.String("part", res.PartName),
		zap.Duration("latency", time.Since(started)),
	)
	return res, nil
}

func parseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var res Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &res); err != nil {
		return Result{}, fmt.Errorf("decode analysis result: %w", err)
	}
	res.PartName = strings.TrimSpace(res.PartName)
	res.Instructions = strings.TrimSpace(res.Instructions)
	if res.PartName == "" {
		return Result{}, fmt.Errorf("analysis result has no part name")
	}
	return res, nil
}
