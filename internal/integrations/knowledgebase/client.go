package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"clone-agent/internal/domain"
)

// agentAPI is the minimal Bedrock Agent Runtime interface required by
// Client. *bedrockagentruntime.Client satisfies it.
type agentAPI interface {
	Retrieve(ctx context.Context, in *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// Client performs vector search against one Bedrock knowledge base.
type Client struct {
	api             agentAPI
	knowledgeBaseID string
}

func New(api agentAPI, knowledgeBaseID string) (*Client, error) {
	if api == nil {
		return nil, errors.New("knowledgebase: api must not be nil")
	}
	if strings.TrimSpace(knowledgeBaseID) == "" {
		return nil, errors.New("knowledgebase: knowledge base id must not be empty")
	}
	return &Client{api: api, knowledgeBaseID: knowledgeBaseID}, nil
}

// Retrieve fetches the top passages for a query. An empty result set is
// returned as a nil slice, not an error.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("knowledgebase: query must not be empty")
	}
	if topK <= 0 {
		topK = 3
	}

	out, err := c.api.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(c.knowledgeBaseID),
		RetrievalQuery: &types.KnowledgeBaseQuery{
			Text: aws.String(query),
		},
		RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(int32(topK)),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("knowledgebase: retrieve: %w", err)
	}

	var passages []domain.Passage
	for _, result := range out.RetrievalResults {
		if result.Content == nil || result.Content.Text == nil {
			continue
		}
		p := domain.Passage{Content: *result.Content.Text}
		if result.Score != nil {
			p.Score = *result.Score
		}
		if result.Location != nil && result.Location.S3Location != nil && result.Location.S3Location.Uri != nil {
			p.Source = *result.Location.S3Location.Uri
		}
		passages = append(passages, p)
	}
	return passages, nil
}
