// Package bedrock implements the AWS Bedrock provider kind (C8): family
// dispatch by model-id prefix between the uniform Converse API and the
// legacy per-vendor Invoke API, per spec §4.5. Grounded on the teacher's
// Converse-only adapter (features/model/bedrock/client.go), extended with
// the Invoke path the teacher never needed.
package bedrock

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

// RuntimeClient captures the subset of *bedrockruntime.Client this adapter
// calls, so tests can inject a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Client implements provider.Client against AWS Bedrock.
type Client struct {
	runtime RuntimeClient
}

// New builds a Client around an already-configured Bedrock runtime client.
func New(runtime RuntimeClient) *Client {
	return &Client{runtime: runtime}
}

func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return nil, err
	}
	f := resolveFamily(upstream)
	if usesInvokeAPI(f) {
		return c.completeInvoke(ctx, upstream, f, req)
	}
	return c.completeConverse(ctx, upstream, f, req)
}

func (c *Client) Stream(ctx context.Context, req model.Request) (provider.Streamer, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return nil, err
	}
	f := resolveFamily(upstream)
	if usesInvokeAPI(f) {
		return c.streamInvoke(ctx, upstream, f, req)
	}
	return c.streamConverse(ctx, upstream, f, req)
}

// ListModels is not implemented by the Bedrock adapter; available model IDs
// vary by account/region enablement and are configured statically per
// spec §6.
func (c *Client) ListModels(context.Context) ([]model.ModelInfo, error) {
	return nil, gwerrors.New(gwerrors.MethodNotFound, "bedrock provider does not support model listing")
}

func splitUpstream(m string) (alias, upstream string, err error) {
	idx := strings.IndexByte(m, '/')
	if idx <= 0 || idx == len(m)-1 {
		return "", "", gwerrors.Newf(gwerrors.InvalidRequest, "model %q must contain a provider alias", m)
	}
	return m[:idx], m[idx+1:], nil
}
