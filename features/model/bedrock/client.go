// Package bedrock provides a model.Invoker backed by the AWS Bedrock Converse
// API. It renders stage requests into Converse messages and maps the reply
// text and usage back into the generic model structures.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/chamikabm/bidopsai/features/model/anthropic"
	"github.com/chamikabm/bidopsai/workflow/model"
)

const defaultMaxTokens = 8192

type (
	// Runtime captures the subset of the Bedrock runtime client used by
	// the adapter. It matches *bedrockruntime.Client so callers can pass
	// either a real client or a mock in tests.
	Runtime interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// ModelID is the Bedrock model identifier, for example
		// "anthropic.claude-sonnet-4-5-v1:0". Required.
		ModelID string
		// MaxTokens caps completions when a request does not set its own
		// limit. Defaults to 8192.
		MaxTokens int
	}

	// Client implements model.Invoker on top of Bedrock Converse.
	Client struct {
		runtime   Runtime
		modelID   string
		maxTokens int
	}
)

var _ model.Invoker = (*Client)(nil)

// New builds a Bedrock-backed invoker from the provided runtime client.
func New(runtime Runtime, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{runtime: runtime, modelID: opts.ModelID, maxTokens: maxTokens}, nil
}

// Invoke issues a Converse request and returns the concatenated text blocks
// of the reply.
func (c *Client) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateOutput(out)
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: msgs,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	return input, nil
}

func encodeMessages(req *model.Request) ([]brtypes.Message, error) {
	msgs := make([]brtypes.Message, 0, len(req.Messages)+1)
	if ctxBlock, err := anthropic.ContextBlock(req.Context); err != nil {
		return nil, err
	} else if ctxBlock != "" {
		msgs = append(msgs, textMessage(brtypes.ConversationRoleUser, ctxBlock))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, textMessage(brtypes.ConversationRoleUser, m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, textMessage(brtypes.ConversationRoleAssistant, m.Content))
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	return msgs, nil
}

func textMessage(role brtypes.ConversationRole, text string) brtypes.Message {
	return brtypes.Message{
		Role:    role,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
	}
}

func translateOutput(out *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if out == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	resp := &model.Response{
		Text:       sb.String(),
		StopReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func isThrottled(err error) bool {
	var throttled *brtypes.ThrottlingException
	return errors.As(err, &throttled)
}
