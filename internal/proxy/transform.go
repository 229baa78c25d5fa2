// Package proxy implements the request-dispatch engine behind POST /v1/*:
// source selection, request transformation, and the streaming relay.
package proxy

import (
	"strings"

	"github.com/blueberrycongee/llmgate/internal/store"
	proxyerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// BuildUpstreamURL joins an upstream base with the original client path and
// query. A base ending in /v1 absorbs the client's /v1 prefix so callers
// configured with either form produce the same upstream path.
func BuildUpstreamURL(apiBase, pathAndQuery string) string {
	base := strings.TrimRight(apiBase, "/")

	path := pathAndQuery
	query := ""
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		path = pathAndQuery[:i]
		query = pathAndQuery[i:]
	}

	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}

	return base + path + query
}

// ValidateAndSwapModel enforces that the caller asked for the advertised
// display model and replaces it with the resolved actual model before
// forwarding. The metadata field is stripped; it is proxy-internal and some
// upstreams reject unknown fields.
func ValidateAndSwapModel(body map[string]any, displayModel, actualModel string) error {
	requested, _ := body["model"].(string)
	if requested != displayModel {
		return proxyerrors.NewInvalidModelError(requested, displayModel)
	}
	body["model"] = actualModel
	delete(body, "metadata")
	return nil
}

// promptWrapper frames a system prompt carried inside a user message.
const (
	promptWrapperOpen  = "[System Instructions]\n"
	promptWrapperClose = "\n[End System Instructions]"
)

// InjectSystemPrompt applies the configured system prompt to the request
// body in the given format. An empty (post-trim) prompt is a no-op; prompts
// are truncated to the configured hard cap.
func InjectSystemPrompt(body map[string]any, prompt string, format store.PromptFormat, path string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	prompt = store.TruncatePrompt(prompt)

	if format == "" {
		format = store.PromptFormatAuto
	}
	if format == store.PromptFormatAuto {
		if _, hasSystem := body["system"]; hasSystem || strings.Contains(path, "/messages") {
			format = store.PromptFormatAnthropic
		} else {
			format = store.PromptFormatOpenAI
		}
	}

	switch format {
	case store.PromptFormatAnthropic:
		body["system"] = prompt

	case store.PromptFormatOpenAI:
		injectOpenAISystem(body, prompt)

	case store.PromptFormatBoth:
		body["system"] = prompt
		injectOpenAISystem(body, prompt)

	case store.PromptFormatUserMessage:
		delete(body, "system")
		wrapped := promptWrapperOpen + prompt + promptWrapperClose
		messages := dropSystemMessages(asMessageSlice(body))
		messages = append([]any{map[string]any{"role": "user", "content": wrapped}}, messages...)
		body["messages"] = messages

	case store.PromptFormatInjectFirstUser:
		delete(body, "system")
		wrapped := promptWrapperOpen + prompt + promptWrapperClose
		messages := dropSystemMessages(asMessageSlice(body))
		body["messages"] = prependToFirstUser(messages, wrapped)

	case store.PromptFormatDisabled:
	}
}

// injectOpenAISystem replaces the content of an existing system-role message
// or prepends a new one.
func injectOpenAISystem(body map[string]any, prompt string) {
	messages := asMessageSlice(body)
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role == "system" {
			msg["content"] = prompt
			return
		}
	}
	body["messages"] = append([]any{map[string]any{"role": "system", "content": prompt}}, messages...)
}

// prependToFirstUser attaches the wrapped prompt to the first user-role
// message: as an extra leading text block when content is an array, or
// string-prepended otherwise. Without a user message it falls back to
// prepending a new one.
func prependToFirstUser(messages []any, wrapped string) []any {
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		switch content := msg["content"].(type) {
		case []any:
			msg["content"] = append([]any{map[string]any{"type": "text", "text": wrapped}}, content...)
		case string:
			msg["content"] = wrapped + "\n\n" + content
		default:
			msg["content"] = wrapped
		}
		return messages
	}
	return append([]any{map[string]any{"role": "user", "content": wrapped}}, messages...)
}

func asMessageSlice(body map[string]any) []any {
	messages, _ := body["messages"].([]any)
	return messages
}

func dropSystemMessages(messages []any) []any {
	kept := make([]any, 0, len(messages))
	for _, m := range messages {
		if msg, ok := m.(map[string]any); ok {
			if role, _ := msg["role"].(string); role == "system" {
				continue
			}
		}
		kept = append(kept, m)
	}
	return kept
}
