package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GenerationOptions mirrors the generation config sent with every request.
type GenerationOptions struct {
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
}

type GeminiResponder struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

func NewGeminiResponder(apiKey, model string, opts GenerationOptions) (*GeminiResponder, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	genModel := client.GenerativeModel(model)
	genModel.SetTemperature(opts.Temperature)
	genModel.SetTopP(opts.TopP)
	genModel.SetMaxOutputTokens(opts.MaxOutputTokens)
	genModel.SafetySettings = safetySettings()

	return &GeminiResponder{
		client:    client,
		model:     genModel,
		modelName: model,
	}, nil
}

// Respond streams a reply to transcript into w as it is generated and
// returns the full text. Text already written stays written on error.
func (g *GeminiResponder) Respond(ctx context.Context, transcript string, w io.Writer) (string, error) {
	iter := g.model.GenerateContentStream(ctx, genai.Text(transcript))

	var reply strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return reply.String(), fmt.Errorf("failed to generate response: %w", err)
		}

		text := candidateText(resp)
		if text == "" {
			continue
		}
		reply.WriteString(text)
		if _, err := io.WriteString(w, text); err != nil {
			return reply.String(), fmt.Errorf("failed to write response: %w", err)
		}
	}

	log.Info().
		Str("model", g.modelName).
		Int("transcript_length", len(transcript)).
		Int("response_length", reply.Len()).
		Msg("Generated response")

	return reply.String(), nil
}

func (g *GeminiResponder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// candidateText joins the text parts of the first candidate. Responses
// without candidates or content yield "".
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String()
}

func safetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHateSpeech,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryHarassment,
	}

	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockNone,
		})
	}
	return settings
}
