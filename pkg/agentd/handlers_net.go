package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ollama/ollama/api"

	"openclaw/pkg/proto"
)

const (
	braveSearchURL  = "https://api.search.brave.com/res/v1/web/search"
	ddgSearchURL    = "https://lite.duckduckgo.com/lite/"
	searchUserAgent = "OpenClaw-Agent/1.0"

	defaultWebResults = 5
	maxWebResults     = 10

	defaultOllamaHost = "http://localhost:11434"
	defaultChatModel  = "qwen2.5-coder:7b"
)

var (
	ddgResultRe = regexp.MustCompile(`(?s)class="result-link"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgAnchorRe = regexp.MustCompile(`<a[^>]+href="(https?://[^"]+)"[^>]*>([^<]+)</a>`)
	htmlStripRe = regexp.MustCompile(`<[^>]+>`)
)

// webSearch queries Brave when an API key is configured and falls back to
// the DuckDuckGo lite HTML page otherwise, or when Brave fails.
func (h *handlers) webSearch(ctx context.Context, inv *Invocation) *proto.ActionResult {
	query, ok := firstString(inv.Params, "query")
	if !ok {
		return missingParam("query")
	}
	n := clampInt(intOr(inv.Params, defaultWebResults, "count", "num_results"), 1, maxWebResults)

	if h.braveKey != "" {
		output, err := h.braveSearch(ctx, query, n)
		if err == nil {
			return textResult("%s", output)
		}
		h.log.Warn("Brave web search failed: %v; falling back to DDG", err)
	}

	output, err := h.ddgSearch(ctx, query, n)
	if err != nil {
		return failResult("Web search failed: %v", err)
	}
	return textResult("%s", output)
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (h *handlers) braveSearch(ctx context.Context, query string, n int) (string, error) {
	endpoint := fmt.Sprintf("%s?q=%s&count=%d", h.braveURL, url.QueryEscape(query), n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", h.braveKey)
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brave returned HTTP %d", resp.StatusCode)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Web.Results) == 0 {
		return "No results found.", nil
	}

	lines := make([]string, 0, n)
	for i, item := range parsed.Web.Results {
		if i >= n {
			break
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "No title"
		}
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			desc = "No description"
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   URL: %s\n   %s\n", i+1, title, strings.TrimSpace(item.URL), desc))
	}
	return strings.Join(lines, "\n"), nil
}

func (h *handlers) ddgSearch(ctx context.Context, query string, n int) (string, error) {
	endpoint := fmt.Sprintf("%s?q=%s", h.ddgURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("duckduckgo returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	page := string(body)

	var results []string
	for _, match := range ddgResultRe.FindAllStringSubmatch(page, n) {
		title := strings.TrimSpace(htmlStripRe.ReplaceAllString(match[2], ""))
		results = append(results, fmt.Sprintf("- %s\n  URL: %s", title, match[1]))
	}
	if len(results) > 0 {
		return strings.Join(results, "\n"), nil
	}

	// Lite page markup changes now and then; fall back to any external
	// anchor on the page.
	for _, match := range ddgAnchorRe.FindAllStringSubmatch(page, -1) {
		if strings.Contains(match[1], "duckduckgo.com") {
			continue
		}
		results = append(results, fmt.Sprintf("- %s\n  URL: %s", strings.TrimSpace(match[2]), match[1]))
		if len(results) >= n {
			break
		}
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	return strings.Join(results, "\n"), nil
}

// ollamaChat runs one prompt against the workstation's local ollama daemon.
func (h *handlers) ollamaChat(ctx context.Context, inv *Invocation) *proto.ActionResult {
	prompt, ok := firstString(inv.Params, "prompt")
	if !ok {
		return missingParam("prompt")
	}
	model := stringOr(inv.Params, h.ollamaModel, "model")

	host := h.ollamaHost
	if host == "" {
		host = defaultOllamaHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return failResult("Invalid ollama host %s: %v", host, err)
	}
	client := api.NewClient(parsed, http.DefaultClient)

	messages := []api.Message{}
	if system := stringOr(inv.Params, "", "system"); system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
	}

	var last api.ChatResponse
	err = client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return failResult("Ollama chat failed: %v", err)
	}
	return textResult("%s", last.Message.Content)
}
