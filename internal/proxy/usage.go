package proxy

import (
	"github.com/tidwall/gjson"

	autorouter "github.com/g1331/autorouter/internal"
)

// parseUsage extracts token counters from a response payload. It understands
// the OpenAI chat/completions shape, the responses-API shape, the Anthropic
// messages shape, and the Gemini usageMetadata shape. ok is false when the
// payload carries no usage at all.
func parseUsage(data []byte) (autorouter.Usage, bool) {
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
		return usageFromObject(u), true
	}
	// Anthropic SSE message_start nests usage under message.
	if u := gjson.GetBytes(data, "message.usage"); u.Exists() && u.IsObject() {
		return usageFromObject(u), true
	}
	if m := gjson.GetBytes(data, "usageMetadata"); m.Exists() && m.IsObject() {
		return usageFromMetadata(m), true
	}
	// Gemini code-assist wraps the generate response.
	if m := gjson.GetBytes(data, "response.usageMetadata"); m.Exists() && m.IsObject() {
		return usageFromMetadata(m), true
	}
	return autorouter.Usage{}, false
}

func usageFromObject(u gjson.Result) autorouter.Usage {
	out := autorouter.Usage{
		PromptTokens:     firstInt(u, "prompt_tokens", "input_tokens"),
		CompletionTokens: firstInt(u, "completion_tokens", "output_tokens"),
		CacheReadTokens: firstInt(u, "cache_read_input_tokens",
			"prompt_tokens_details.cached_tokens", "input_tokens_details.cached_tokens"),
		CacheWriteTokens: firstInt(u, "cache_creation_input_tokens"),
	}
	return out
}

func usageFromMetadata(m gjson.Result) autorouter.Usage {
	return autorouter.Usage{
		PromptTokens:     int(m.Get("promptTokenCount").Int()),
		CompletionTokens: int(m.Get("candidatesTokenCount").Int()),
		CacheReadTokens:  int(m.Get("cachedContentTokenCount").Int()),
	}
}

// mergeUsage folds a later partial reading into an accumulator. Streaming
// providers split usage across events (Anthropic reports input tokens at
// message_start and output tokens at message_delta), so each field keeps its
// largest observed value.
func mergeUsage(acc, next autorouter.Usage) autorouter.Usage {
	acc.PromptTokens = max(acc.PromptTokens, next.PromptTokens)
	acc.CompletionTokens = max(acc.CompletionTokens, next.CompletionTokens)
	acc.CacheReadTokens = max(acc.CacheReadTokens, next.CacheReadTokens)
	acc.CacheWriteTokens = max(acc.CacheWriteTokens, next.CacheWriteTokens)
	return acc
}

func firstInt(r gjson.Result, paths ...string) int {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}
