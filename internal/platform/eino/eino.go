// Package eino wraps the Eino LLM integration behind a small structured-JSON
// generation surface. The provider and model are injected at construction
// time and never re-read mid-flight.
package eino

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"

	gemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"
)

// Config represents the configuration for the LLM integration.
type Config struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
}

// Service wraps an Eino chat model.
type Service struct {
	config    Config
	chatModel model.BaseChatModel
}

// NewService creates a service with the provider initialized from config.
func NewService(config Config) (*Service, error) {
	service := &Service{config: config}
	if err := service.initializeChatModel(); err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	return service, nil
}

// NewServiceWithModel creates a service around a pre-configured chat model.
// Tests inject fakes through here.
func NewServiceWithModel(config Config, chatModel model.BaseChatModel) *Service {
	return &Service{config: config, chatModel: chatModel}
}

func (s *Service) initializeChatModel() error {
	switch strings.ToLower(s.config.Provider) {
	case "gemini":
		return s.initializeGeminiModel()
	default:
		return fmt.Errorf("unsupported provider: %s. Supported: gemini", s.config.Provider)
	}
}

func (s *Service) initializeGeminiModel() error {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: s.config.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	geminiModel, err := gemini.NewChatModel(context.Background(), &gemini.Config{
		Client: client,
		Model:  s.config.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini chat model: %w", err)
	}

	s.chatModel = geminiModel
	return nil
}

// GenerateJSON formats the template with vars, calls the model and decodes
// the strict-JSON reply into dest.
func (s *Service) GenerateJSON(ctx context.Context, tmpl prompt.ChatTemplate, vars map[string]any, dest interface{}) error {
	if s.chatModel == nil {
		return fmt.Errorf("chat model not initialized")
	}

	messages, err := tmpl.Format(ctx, vars)
	if err != nil {
		return fmt.Errorf("failed to format chat template: %w", err)
	}

	response, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return fmt.Errorf("LLM generation failed: %w", err)
	}

	return DecodeJSON(response.Content, dest)
}

// DecodeJSON parses a model reply, tolerating markdown code fences around
// the JSON body.
func DecodeJSON(content string, dest interface{}) error {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), dest); err != nil {
		return fmt.Errorf("invalid JSON response: %w", err)
	}
	return nil
}
