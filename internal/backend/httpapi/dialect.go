package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
)

// dialect abstracts the wire format differences between upstream APIs.
// Parsing uses gjson so response structs never need to mirror each vendor's
// full schema.
type dialect interface {
	// path returns the request path relative to the base URL.
	path(model string, stream bool) string
	// headers applies auth and version headers.
	headers(h http.Header, apiKey string)
	// body builds the request payload.
	body(req *gateway.Request, model string, maxTokens int, stream bool) ([]byte, error)
	// parse extracts text, thinking, and usage from a complete response.
	parse(data []byte) (text, thinking string, usage gateway.Usage)
	// delta extracts incremental text and trailing usage from one SSE payload.
	delta(data []byte) (text string, usage *gateway.Usage, done bool)
	// healthPath returns a cheap GET path for connectivity probes.
	healthPath() string
}

func dialectFor(name string) (dialect, bool) {
	switch name {
	case "anthropic":
		return anthropicDialect{}, true
	case "openai":
		return openaiDialect{}, true
	case "gemini":
		return geminiDialect{}, true
	}
	return nil, false
}

// --- anthropic ---

type anthropicDialect struct{}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicReq struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	System    string         `json:"system,omitempty"`
	Messages  []anthropicMsg `json:"messages"`
	Stream    bool           `json:"stream,omitempty"`
}

func (anthropicDialect) path(string, bool) string { return "/messages" }

func (anthropicDialect) headers(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", "2023-06-01")
}

func (anthropicDialect) body(req *gateway.Request, model string, maxTokens int, stream bool) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = 4096 // Anthropic requires max_tokens
	}
	return json.Marshal(&anthropicReq{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.Agent,
		Messages:  []anthropicMsg{{Role: "user", Content: req.Prompt}},
		Stream:    stream,
	})
}

func (anthropicDialect) parse(data []byte) (string, string, gateway.Usage) {
	result := gjson.ParseBytes(data)
	var text, thinking strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			thinking.WriteString(block.Get("thinking").String())
		}
		return true
	})
	u := result.Get("usage")
	usage := gateway.Usage{
		Input:  int(u.Get("input_tokens").Int()),
		Output: int(u.Get("output_tokens").Int()),
	}
	usage.Total = usage.Input + usage.Output
	return text.String(), thinking.String(), usage
}

func (anthropicDialect) delta(data []byte) (string, *gateway.Usage, bool) {
	result := gjson.ParseBytes(data)
	switch result.Get("type").String() {
	case "content_block_delta":
		return result.Get("delta.text").String(), nil, false
	case "message_start":
		if in := result.Get("message.usage.input_tokens"); in.Exists() {
			return "", &gateway.Usage{Input: int(in.Int())}, false
		}
	case "message_delta":
		if out := result.Get("usage.output_tokens"); out.Exists() {
			return "", &gateway.Usage{Output: int(out.Int())}, false
		}
	case "message_stop":
		return "", nil, true
	}
	return "", nil, false
}

func (anthropicDialect) healthPath() string { return "/models" }

// --- openai ---

type openaiDialect struct{}

type openaiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiReq struct {
	Model         string     `json:"model"`
	MaxTokens     int        `json:"max_completion_tokens,omitempty"`
	Messages      []openaiMsg `json:"messages"`
	Stream        bool       `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

func (openaiDialect) path(string, bool) string { return "/chat/completions" }

func (openaiDialect) headers(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (openaiDialect) body(req *gateway.Request, model string, maxTokens int, stream bool) ([]byte, error) {
	out := &openaiReq{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Agent != "" {
		out.Messages = append(out.Messages, openaiMsg{Role: "system", Content: req.Agent})
	}
	out.Messages = append(out.Messages, openaiMsg{Role: "user", Content: req.Prompt})
	if stream {
		// Ask for usage in the final chunk.
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return json.Marshal(out)
}

func (openaiDialect) parse(data []byte) (string, string, gateway.Usage) {
	result := gjson.ParseBytes(data)
	text := result.Get("choices.0.message.content").String()
	thinking := result.Get("choices.0.message.reasoning_content").String()
	u := result.Get("usage")
	usage := gateway.Usage{
		Input:  int(u.Get("prompt_tokens").Int()),
		Output: int(u.Get("completion_tokens").Int()),
		Total:  int(u.Get("total_tokens").Int()),
	}
	return text, thinking, usage
}

func (openaiDialect) delta(data []byte) (string, *gateway.Usage, bool) {
	result := gjson.ParseBytes(data)
	if u := result.Get("usage"); u.Exists() && u.IsObject() {
		return "", &gateway.Usage{
			Input:  int(u.Get("prompt_tokens").Int()),
			Output: int(u.Get("completion_tokens").Int()),
			Total:  int(u.Get("total_tokens").Int()),
		}, false
	}
	return result.Get("choices.0.delta.content").String(), nil, false
}

func (openaiDialect) healthPath() string { return "/models" }

// --- gemini ---

type geminiDialect struct{}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiReq struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  *struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

func (geminiDialect) path(model string, stream bool) string {
	if stream {
		return "/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + model + ":generateContent"
}

func (geminiDialect) headers(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
}

func (geminiDialect) body(req *gateway.Request, _ string, maxTokens int, _ bool) ([]byte, error) {
	out := &geminiReq{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.Agent != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.Agent}}}
	}
	if maxTokens > 0 {
		out.GenerationConfig = &struct {
			MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
		}{MaxOutputTokens: maxTokens}
	}
	return json.Marshal(out)
}

func (geminiDialect) parse(data []byte) (string, string, gateway.Usage) {
	result := gjson.ParseBytes(data)
	var text strings.Builder
	result.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	u := result.Get("usageMetadata")
	usage := gateway.Usage{
		Input:  int(u.Get("promptTokenCount").Int()),
		Output: int(u.Get("candidatesTokenCount").Int()),
		Total:  int(u.Get("totalTokenCount").Int()),
	}
	return text.String(), "", usage
}

func (geminiDialect) delta(data []byte) (string, *gateway.Usage, bool) {
	result := gjson.ParseBytes(data)
	var usage *gateway.Usage
	if u := result.Get("usageMetadata"); u.Exists() {
		usage = &gateway.Usage{
			Input:  int(u.Get("promptTokenCount").Int()),
			Output: int(u.Get("candidatesTokenCount").Int()),
			Total:  int(u.Get("totalTokenCount").Int()),
		}
	}
	var text strings.Builder
	result.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	return text.String(), usage, false
}

func (geminiDialect) healthPath() string { return "/models" }
