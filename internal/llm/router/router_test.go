package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/ratelimit/memstore"
)

type fakeClient struct {
	lastModel   string
	lastHeaders map[string][]string
	resp        *model.Response
	err         error
}

func (f *fakeClient) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	f.lastModel = req.Model
	f.lastHeaders = provider.HeadersFromContext(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(ctx context.Context, req model.Request) (provider.Streamer, error) {
	return nil, f.err
}

func (f *fakeClient) ListModels(context.Context) ([]model.ModelInfo, error) { return nil, nil }

func testCfg() config.LLMConfig {
	return config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {
				Type: config.ProviderOpenAI,
				Headers: []config.HeaderRuleConfig{
					{Action: "insert", Name: "X-Provider", Value: "openai"},
				},
				Models: map[string]config.ModelConfig{
					"gpt-4o": {
						Rename: "gpt-4o-2024-08-06",
						Headers: []config.HeaderRuleConfig{
							{Action: "insert", Name: "X-Provider", Value: "gpt-4o-override"},
						},
					},
				},
			},
		},
	}
}

func TestCompleteRewritesModelAndDispatches(t *testing.T) {
	client := &fakeClient{resp: &model.Response{Model: "gpt-4o-2024-08-06"}}
	r, err := New(WithLLMConfig(testCfg()), WithClients(Clients{"openai": client}))
	require.NoError(t, err)

	resp, err := r.Complete(context.Background(), model.Request{
		Model:    "openai/gpt-4o",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	assert.Equal(t, "openai/gpt-4o-2024-08-06", client.lastModel)
}

func TestCompleteAppliesModelHeaderRuleAfterProvider(t *testing.T) {
	client := &fakeClient{resp: &model.Response{}}
	r, err := New(WithLLMConfig(testCfg()), WithClients(Clients{"openai": client}))
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), model.Request{
		Model:    "openai/gpt-4o",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.NotNil(t, client.lastHeaders)
	assert.Equal(t, []string{"gpt-4o-override"}, client.lastHeaders["X-Provider"])
}

func TestCompleteRejectsUnknownProviderAlias(t *testing.T) {
	client := &fakeClient{resp: &model.Response{}}
	r, err := New(WithLLMConfig(testCfg()), WithClients(Clients{"openai": client}))
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), model.Request{
		Model:    "anthropic/claude",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestForwardTokenOverridesConfiguredAuthorization(t *testing.T) {
	cfg := testCfg()
	p := cfg.Providers["openai"]
	p.ForwardToken = true
	cfg.Providers["openai"] = p

	client := &fakeClient{resp: &model.Response{}}
	r, err := New(WithLLMConfig(cfg), WithClients(Clients{"openai": client}))
	require.NoError(t, err)

	ctx := WithRequestMeta(context.Background(), RequestMeta{
		Inbound: map[string][]string{"Authorization": {"Bearer caller-token"}},
	})
	_, err = r.Complete(ctx, model.Request{
		Model:    "openai/gpt-4o",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer caller-token"}, client.lastHeaders["Authorization"])
}

func TestListModelsFederatesConfiguredAliases(t *testing.T) {
	client := &fakeClient{}
	r, err := New(WithLLMConfig(testCfg()), WithClients(Clients{"openai": client}))
	require.NoError(t, err)
	models := r.ListModels()
	require.Len(t, models, 1)
	assert.Equal(t, "openai/gpt-4o", models[0].ID)
}

func TestRateLimitUnaryPrechargesAndReconciles(t *testing.T) {
	cfg := testCfg()
	p := cfg.Providers["openai"]
	p.RateLimits = map[string]config.RateLimitRule{"": {Limit: 1000, Interval: config.Duration{Duration: 0}}}
	cfg.Providers["openai"] = p

	limiter := ratelimit.New(memstore.New())
	maxTokens := 100
	client := &fakeClient{resp: &model.Response{Usage: &model.Usage{CompletionTokens: 40}}}
	r, err := New(
		WithLLMConfig(cfg), WithClients(Clients{"openai": client}),
		WithUnary(RateLimitUnary(cfg, limiter)),
	)
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), model.Request{
		Model:     "openai/gpt-4o",
		MaxTokens: &maxTokens,
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
}

func TestRateLimitUnaryRejectsOverBudget(t *testing.T) {
	cfg := testCfg()
	p := cfg.Providers["openai"]
	p.RateLimits = map[string]config.RateLimitRule{"": {Limit: 10, Interval: config.Duration{Duration: 0}}}
	cfg.Providers["openai"] = p

	limiter := ratelimit.New(memstore.New())
	maxTokens := 1000
	client := &fakeClient{resp: &model.Response{}}
	r, err := New(
		WithLLMConfig(cfg), WithClients(Clients{"openai": client}),
		WithUnary(RateLimitUnary(cfg, limiter)),
	)
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), model.Request{
		Model:     "openai/gpt-4o",
		MaxTokens: &maxTokens,
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	assert.Error(t, err)
}
