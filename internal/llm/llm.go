package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Defaults used when a Config field is left zero.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second
)

var jsonFragment = regexp.MustCompile(`\{[^{}]*"score"[^{}]*\}`)

var errNoScore = errors.New("no score found in response")

// Config describes the OpenAI-compatible judge endpoint. A nil Temperature
// uses DefaultTemperature; zero is a valid setting.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   int
	Timeout     time.Duration
	Language    prompts.Language
}

// Client grades subjective answers through an OpenAI-compatible API.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	lang        prompts.Language

	persona   string
	rubric    string
	noComment string
	scoreUnit string
}

// New creates a new LLM client. Localized judge messages are resolved here,
// loading the translation bundle if nobody has yet.
func New(cfg Config) (*Client, error) {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	c := &Client{
		api:         openai.NewClientWithConfig(config),
		model:       cfg.Model,
		temperature: DefaultTemperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		lang:        cfg.Language,
	}
	if cfg.Temperature != nil {
		if *cfg.Temperature < 0 {
			return nil, fmt.Errorf("temperature must not be negative, got %v", *cfg.Temperature)
		}
		c.temperature = *cfg.Temperature
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if !prompts.IsValidLanguage(string(c.lang)) {
		c.lang = prompts.LanguageChinese
	}

	if err := i18n.Ensure(string(c.lang)); err != nil {
		return nil, fmt.Errorf("load translations: %w", err)
	}
	ctx := i18n.WithLanguage(context.Background(), string(c.lang))
	c.persona = i18n.T(ctx, "SystemPersona")
	c.rubric = i18n.T(ctx, "DefaultRubric")
	c.noComment = i18n.T(ctx, "NoComment")
	c.scoreUnit = i18n.T(ctx, "ScoreUnit")
	if _, err := regexp.Compile(c.scoreUnit); err != nil {
		return nil, fmt.Errorf("score unit pattern %q: %w", c.scoreUnit, err)
	}
	return c, nil
}

// Grade asks the model to score one answer. It never returns an error: transport
// failures, timeouts and unparseable replies all become a Failed result with a
// zero score and a diagnostic comment.
func (c *Client) Grade(ctx context.Context, req model.JudgeRequest) model.QuestionResult {
	ctx = i18n.WithLanguage(ctx, string(c.lang))

	criteria := strings.TrimSpace(req.Criteria)
	if criteria == "" {
		criteria = c.rubric
	}

	prompt, err := prompts.BuildGradePrompt(c.lang, prompts.GradeInput{
		QuestionText:    req.QuestionText,
		ReferenceAnswer: req.ReferenceAnswer,
		MaxScore:        req.MaxScore,
		Criteria:        criteria,
		Examples:        req.Examples,
		Answer:          req.Answer,
	})
	if err != nil {
		return c.failed(ctx, req.Key, fmt.Errorf("build prompt: %w", err))
	}

	raw, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: c.persona},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, c.maxTokens)
	if err != nil {
		return c.failed(ctx, req.Key, err)
	}
	slog.Debug("LLM response", "key", req.Key, "raw", raw)

	score, comment, err := parseJudgeResponse(raw, c.scoreUnit)
	if err != nil {
		return c.failed(ctx, req.Key, fmt.Errorf("%w (raw: %s)", err, raw))
	}
	if comment == "" {
		comment = c.noComment
	}

	return model.QuestionResult{
		Score:   clamp(score, req.MaxScore),
		Comment: comment,
		Status:  model.StatusGraded,
	}
}

// Ping sends a minimal request to check that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "Hello"},
	}, 5)
	return err
}

func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := c.temperature
	if temperature == 0 {
		// The request field is omitempty; a literal zero would fall back to the server default.
		temperature = math.SmallestNonzeroFloat32
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) failed(ctx context.Context, key model.QuestionKey, err error) model.QuestionResult {
	slog.Warn("subjective grading failed", "key", key, "error", err)
	return model.QuestionResult{
		Score:   0,
		Comment: i18n.Td(ctx, "JudgeFailed", map[string]any{"Reason": err.Error()}),
		Status:  model.StatusFailed,
	}
}

// parseJudgeResponse pulls a score and comment out of free-form model output.
// A {"score": ...} object anywhere in the text wins; otherwise the first
// "<number> <unit>" phrase is used and the whole reply becomes the comment.
// NaN and infinite scores are rejected.
func parseJudgeResponse(raw, unitPattern string) (float64, string, error) {
	if frag := jsonFragment.FindString(raw); frag != "" {
		if !gjson.Valid(frag) {
			return 0, "", fmt.Errorf("malformed JSON object %q", frag)
		}
		res := gjson.Get(frag, "score")
		var score float64
		switch res.Type {
		case gjson.Number:
			score = res.Float()
		case gjson.String:
			v, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
			if err != nil {
				return 0, "", fmt.Errorf("score %q is not a number", res.Str)
			}
			score = v
		default:
			return 0, "", errNoScore
		}
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return 0, "", fmt.Errorf("score %s is not finite", res.Raw)
		}
		return score, strings.TrimSpace(gjson.Get(frag, "comment").String()), nil
	}

	if unitPattern == "" {
		return 0, "", errNoScore
	}
	re, err := regexp.Compile(`(\d+(?:\.\d+)?)\s*(?:` + unitPattern + `)`)
	if err != nil {
		return 0, "", fmt.Errorf("score unit pattern: %w", err)
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return 0, "", errNoScore
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", err
	}
	return score, strings.TrimSpace(raw), nil
}

func clamp(score, limit float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > limit {
		return limit
	}
	return score
}
