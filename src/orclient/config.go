package orclient

import (
	"log/slog"
	"net/http"
)

// Config holds configuration for the OpenRouter client
type Config struct {
	APIKey     string       // OpenRouter API key
	BaseURL    string       // Base URL for an OpenAI compatible API
	Model      string       // Model used for every request
	Logger     *slog.Logger // Logger for debugging
	HTTPClient *http.Client
	MaxRetries int    // Retries performed by the SDK for failed requests
	SiteURL    string // Site URL for ranking
	SiteName   string // Site name for ranking
	// SystemPrompt is prepended to every decision request
	SystemPrompt string
	// Prompts maps prompt template names to system prompts for Complete
	Prompts map[string]string
}
