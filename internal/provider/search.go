package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	webSearchHTTPTimeout = 10 * time.Second
	maxFetchedBodySize   = 512 * 1024
)

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

// newWebSearchTool returns nil when no search backend could be built.
func newWebSearchTool(ctx context.Context, cfg SearchConfig) tool.InvokableTool {
	ws := &webSearchTool{
		google:     newGoogleSearch(ctx, cfg),
		duck:       newDDGSearch(ctx),
		httpClient: &http.Client{Timeout: webSearchHTTPTimeout},
	}
	if ws.google == nil && ws.duck == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information. " +
			"Falls back to another search provider when one fails. " +
			"Pass a URL to read that page instead.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		log.Printf("web url loader failed: %v", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		log.Printf("google search failed: %v", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		log.Printf("duckduckgo search failed: %v", err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "wussup-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func newDDGSearch(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchHTTPTimeout,
	})
	if err != nil {
		log.Printf("duckduckgo search disabled: %v", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context, cfg SearchConfig) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleEngineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search disabled: %v", err)
		return nil
	}
	return googleTool
}
