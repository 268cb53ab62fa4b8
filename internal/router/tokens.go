package router

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"

	log "github.com/sirupsen/logrus"
)

// estimateChars approximates tokens from character counts, four characters
// per token, rounding up.
func estimateChars(n int) int64 {
	return int64((n + 3) / 4)
}

// EstimateInputTokens approximates the input-side token count from the
// request body before any provider is contacted, for use in fallback billing
// when the upstream reports no usage.
func EstimateInputTokens(endpoint string, body map[string]any) int64 {
	if body == nil {
		return 0
	}
	if endpoint == "/v1/responses" {
		if input, ok := body["input"].(string); ok {
			return estimateChars(len(input))
		}
	}
	messages, ok := body["messages"].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, raw := range messages {
		message, okMsg := raw.(map[string]any)
		if !okMsg {
			continue
		}
		if content, okContent := message["content"].(string); okContent {
			total += len(content)
		}
	}
	return estimateChars(total)
}

type usagePayload struct {
	Usage struct {
		TotalTokens      *int64 `json:"total_tokens"`
		PromptTokens     *int64 `json:"prompt_tokens"`
		CompletionTokens *int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// CountTokens derives the raw billable token count from an upstream response.
// The second return reports whether the count came from explicit usage data
// rather than estimation.
func CountTokens(endpoint string, responseBody []byte, requestBody map[string]any, inputEstimate int64) (int64, bool) {
	switch endpoint {
	case "/v1/images/generations":
		// Images bill a flat unit.
		return 1, true
	case "/v1/responses":
		return countResponsesTokens(responseBody, inputEstimate)
	case "/v1/audio/transcriptions":
		return countTranscriptionTokens(responseBody)
	case "/v1/audio/speech":
		if requestBody != nil {
			if input, ok := requestBody["input"].(string); ok && len(input) > 0 {
				return int64(len(input)), true
			}
		}
		return 1, true
	default:
		return countCompletionTokens(responseBody, inputEstimate)
	}
}

// countCompletionTokens handles chat-style bodies: explicit usage first, then
// a size-based estimate of the whole response plus the input estimate.
func countCompletionTokens(responseBody []byte, inputEstimate int64) (int64, bool) {
	trimmed := bytes.TrimSpace(responseBody)
	looksJSON := (bytes.HasPrefix(trimmed, []byte("{")) && bytes.HasSuffix(trimmed, []byte("}"))) ||
		(bytes.HasPrefix(trimmed, []byte("[")) && bytes.HasSuffix(trimmed, []byte("]")))
	if looksJSON {
		var payload usagePayload
		if errUnmarshal := json.Unmarshal(responseBody, &payload); errUnmarshal == nil {
			if payload.Usage.TotalTokens != nil && *payload.Usage.TotalTokens > 0 {
				return *payload.Usage.TotalTokens, true
			}
			prompt, completion := int64(0), int64(0)
			if payload.Usage.PromptTokens != nil {
				prompt = *payload.Usage.PromptTokens
			}
			if payload.Usage.CompletionTokens != nil {
				completion = *payload.Usage.CompletionTokens
			}
			if prompt > 0 || completion > 0 {
				return prompt + completion, true
			}
		}
	}
	return inputEstimate + estimateChars(len(responseBody)), false
}

func countResponsesTokens(responseBody []byte, inputEstimate int64) (int64, bool) {
	decoded := maybeGunzip(responseBody)

	var payload map[string]any
	if errUnmarshal := json.Unmarshal(decoded, &payload); errUnmarshal != nil {
		return 1, true
	}

	if usage, ok := payload["usage"].(map[string]any); ok {
		if total, okTotal := usage["total_tokens"].(float64); okTotal {
			return int64(total), true
		}
	}

	extracted := extractResponsesText(payload)
	if extracted == "" {
		if legacy, ok := payload["output_text"].(string); ok {
			extracted = legacy
		}
	}
	if extracted != "" {
		tokens := inputEstimate + estimateChars(len(extracted))
		if tokens == 0 {
			tokens = 1
		}
		return tokens, false
	}
	return 1, true
}

// extractResponsesText walks the output array for message text parts.
func extractResponsesText(payload map[string]any) string {
	output, ok := payload["output"].([]any)
	if !ok {
		return ""
	}
	var b bytes.Buffer
	for _, rawItem := range output {
		item, okItem := rawItem.(map[string]any)
		if !okItem || item["type"] != "message" {
			continue
		}
		content, okContent := item["content"].([]any)
		if !okContent {
			continue
		}
		for _, rawPart := range content {
			part, okPart := rawPart.(map[string]any)
			if !okPart || part["type"] != "output_text" {
				continue
			}
			if text, okText := part["text"].(string); okText {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

func countTranscriptionTokens(responseBody []byte) (int64, bool) {
	var payload struct {
		Usage struct {
			TotalTokens *int64 `json:"total_tokens"`
		} `json:"usage"`
		Text *string `json:"text"`
	}
	if errUnmarshal := json.Unmarshal(responseBody, &payload); errUnmarshal != nil {
		return 1, true
	}
	if payload.Usage.TotalTokens != nil {
		return *payload.Usage.TotalTokens, true
	}
	if payload.Text != nil {
		tokens := estimateChars(len(*payload.Text))
		if tokens == 0 && len(*payload.Text) > 0 {
			tokens = 1
		}
		return tokens, false
	}
	return 1, true
}

func maybeGunzip(body []byte) []byte {
	if !bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		return body
	}
	reader, errGzip := gzip.NewReader(bytes.NewReader(body))
	if errGzip != nil {
		log.WithError(errGzip).Warn("router: could not open gzip response body")
		return body
	}
	defer func() { _ = reader.Close() }()
	decoded, errRead := io.ReadAll(reader)
	if errRead != nil {
		log.WithError(errRead).Warn("router: could not decompress response body")
		return body
	}
	return decoded
}
