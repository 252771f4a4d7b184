package server

import (
	"context"
	"fmt"
	"os"

	"github.com/ppiankov/toolgate/internal/semantic"
)

// BackendFromEnv builds the semantic evaluator transport from the
// environment:
//
//	TOOLGATE_EVAL_BACKEND   "bedrock", "openai", or unset for none
//	TOOLGATE_EVAL_MODEL     model id for either backend
//	TOOLGATE_EVAL_URL       chat-completions endpoint (openai)
//	TOOLGATE_EVAL_KEY       api key (openai; OPENAI_API_KEY also works)
//
// Bedrock region and credentials come from the standard AWS chain. An
// unset backend returns nil, which keeps every batch on the
// conservative fallback rather than failing startup.
func BackendFromEnv(ctx context.Context) (semantic.Backend, error) {
	switch os.Getenv("TOOLGATE_EVAL_BACKEND") {
	case "", "none":
		return nil, nil
	case "bedrock":
		return semantic.NewBedrockBackend(ctx, semantic.BedrockConfig{
			ModelID: os.Getenv("TOOLGATE_EVAL_MODEL"),
		})
	case "openai":
		url := os.Getenv("TOOLGATE_EVAL_URL")
		if url == "" {
			return nil, fmt.Errorf("TOOLGATE_EVAL_URL is required for the openai backend")
		}
		key := os.Getenv("TOOLGATE_EVAL_KEY")
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return semantic.NewOpenAIBackend(semantic.OpenAIConfig{
			APIURL: url,
			APIKey: key,
			Model:  os.Getenv("TOOLGATE_EVAL_MODEL"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown evaluator backend %q", os.Getenv("TOOLGATE_EVAL_BACKEND"))
	}
}
