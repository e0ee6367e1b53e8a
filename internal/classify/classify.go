// Package classify maps inbound request paths to route capabilities.
// Classification is a pure function of the path with the body model string
// as a fallback.
package classify

import (
	"strings"

	"github.com/tidwall/gjson"

	autorouter "github.com/g1331/autorouter/internal"
)

// pathPrefixes maps inbound path prefixes to capabilities. Longer prefixes
// are checked first so ties cannot occur.
var pathPrefixes = []struct {
	prefix string
	cap    autorouter.RouteCapability
}{
	{"/v1/chat/completions", autorouter.CapOpenAIChat},
	{"/v1/messages", autorouter.CapAnthropicMessages},
	{"/v1/responses", autorouter.CapCodexResponses},
	{"/v1/completions", autorouter.CapOpenAIExtended},
	{"/v1/embeddings", autorouter.CapOpenAIExtended},
	{"/v1/models", autorouter.CapOpenAIExtended},
	{"/v1internal", autorouter.CapGeminiCodeAssist},
	{"/v1beta/models", autorouter.CapGeminiGenerate},
	{"/v1beta1/models", autorouter.CapGeminiGenerate},
}

// Classify determines the route capability for a request. Path prefixes take
// precedence; when no prefix matches, the model string in the body selects
// the default capability of its provider family. ok is false when neither
// yields a classification.
func Classify(path string, body []byte) (cap autorouter.RouteCapability, ok bool) {
	for _, p := range pathPrefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.cap, true
		}
	}

	model := Model(path, body)
	if model == "" {
		return "", false
	}
	switch autorouter.FamilyOfModel(model) {
	case autorouter.FamilyAnthropic:
		return autorouter.CapAnthropicMessages, true
	case autorouter.FamilyGemini:
		return autorouter.CapGeminiGenerate, true
	default:
		return autorouter.CapOpenAIChat, true
	}
}

// Model extracts the requested model from the path (Gemini-style
// /v1beta/models/{model}:{action}) or the body's "model" field.
func Model(path string, body []byte) string {
	if rest, found := strings.CutPrefix(path, "/v1beta/models/"); found {
		if model, _, ok := strings.Cut(rest, ":"); ok && model != "" {
			return model
		}
	}
	return gjson.GetBytes(body, "model").String()
}

// IsStream reports whether the request asks for a streamed response:
// "stream": true in the body, a streamGenerateContent action, or alt=sse.
func IsStream(path, rawQuery string, body []byte) bool {
	if gjson.GetBytes(body, "stream").Bool() {
		return true
	}
	if strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	return strings.Contains(rawQuery, "alt=sse")
}
