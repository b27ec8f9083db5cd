package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agonych/udp-chat/internal/config"
)

// ChatMessage is one turn of the prompt in the role/content shape both
// backends accept.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces the next chat message from a composed prompt.
type Generator interface {
	Generate(ctx context.Context, prompt []ChatMessage) (string, error)
}

// ErrDisabled is returned by the `none` backend.
var ErrDisabled = errors.New("ai backend disabled")

const requestTimeout = 60 * time.Second

// NewGenerator selects a backend from the configuration.
func NewGenerator(cfg config.AIConfig) (Generator, error) {
	switch cfg.Backend {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, errors.New("openai backend requires OPENAI_API_KEY")
		}
		return &openAIGenerator{apiKey: cfg.OpenAIKey, model: cfg.OpenAIModel, client: newHTTPClient()}, nil
	case "ollama":
		return &ollamaGenerator{baseURL: strings.TrimRight(cfg.OllamaURL, "/"), model: cfg.OllamaModel, client: newHTTPClient()}, nil
	case "none":
		return disabledGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown ai backend %q", cfg.Backend)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// BuildPrompt composes the generation prompt from recent room messages. Each
// history line is attributed to its sender; the final instruction asks the
// model to continue the chat as userName, or to improve the seed content when
// one was supplied.
func BuildPrompt(history []HistoryLine, userName, content string) []ChatMessage {
	prompt := []ChatMessage{{
		Role: "system",
		Content: fmt.Sprintf(
			"You are participating in a group chat. Your goal is to respond as if you are '%s', using a casual, human-like, friendly tone.",
			userName),
	}}
	for _, line := range history {
		prompt = append(prompt, ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("%s: %s", line.Sender, line.Content),
		})
	}
	if content != "" {
		prompt = append(prompt, ChatMessage{
			Role: "user",
			Content: fmt.Sprintf(
				"As %s, you're planning to send this message: '%s'. Improve it to make it sound more natural, accurate, and casual in this group chat context.",
				userName, content),
		})
	} else {
		prompt = append(prompt, ChatMessage{
			Role: "user",
			Content: fmt.Sprintf(
				"Continue the chat as if you are %s. Craft the next message that fits naturally into the conversation, something the user would like to say next. Do not mention the name of the user you are pretending to be in your response. Do not use long paragraphs, lists, or formal language. Do not introduce yourself or sign messages. Do not put your answer in quotes or brackets.",
				userName),
		})
	}
	return prompt
}

// HistoryLine is one attributed message from the room history.
type HistoryLine struct {
	Sender  string
	Content string
}

type disabledGenerator struct{}

func (disabledGenerator) Generate(context.Context, []ChatMessage) (string, error) {
	return "", ErrDisabled
}

// openAIGenerator calls the chat completions API.
type openAIGenerator struct {
	apiKey string
	model  string
	client *http.Client
}

func (g *openAIGenerator) Generate(ctx context.Context, prompt []ChatMessage) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":    g.model,
		"messages": prompt,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, msg)
	}

	var parsed struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return cleanReply(parsed.Choices[0].Message.Content), nil
}

// ollamaGenerator calls a local Ollama server.
type ollamaGenerator struct {
	baseURL string
	model   string
	client  *http.Client
}

func (g *ollamaGenerator) Generate(ctx context.Context, prompt []ChatMessage) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":    g.model,
		"messages": prompt,
		"stream":   false,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, msg)
	}

	var parsed struct {
		Message ChatMessage `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return cleanReply(parsed.Message.Content), nil
}

func cleanReply(text string) string {
	return strings.Trim(strings.TrimSpace(text), `"'`)
}
