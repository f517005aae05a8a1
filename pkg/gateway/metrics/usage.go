package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderUsage is the aggregated token spend for one provider, as recorded
// by an external Prometheus server scraping the gateway.
type ProviderUsage struct {
	Provider         string `json:"provider"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService answers usage questions against an external Prometheus
// server. It is only constructed when PROMETHEUS_URL is configured; the
// in-process counters keep working without it.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a usage query service for the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetProviderUsage retrieves aggregated token counts for a single provider.
func (q *QueryService) GetProviderUsage(ctx context.Context, provider string) (*ProviderUsage, error) {
	usage := &ProviderUsage{
		Provider: provider,
	}

	promptQuery := fmt.Sprintf(`sum(openclaw_provider_tokens_total{provider=%q, type="prompt"})`, provider)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		usage.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(openclaw_provider_tokens_total{provider=%q, type="completion"})`, provider)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		usage.CompletionTokens = int64(vector[0].Value)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}

// GetAllProviderUsage retrieves token usage broken down by provider.
func (q *QueryService) GetAllProviderUsage(ctx context.Context) (map[string]*ProviderUsage, error) {
	result := make(map[string]*ProviderUsage)

	providersQuery := `group by (provider) (openclaw_provider_tokens_total)`
	providersResult, _, err := q.queryAPI.Query(ctx, providersQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}

	var providers []string
	if vector, ok := providersResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["provider"]; ok {
				providers = append(providers, string(name))
			}
		}
	}

	for _, provider := range providers {
		usage, err := q.GetProviderUsage(ctx, provider)
		if err != nil {
			return nil, err
		}
		result[provider] = usage
	}

	return result, nil
}
