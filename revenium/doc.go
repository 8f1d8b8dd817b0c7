// Package revenium provides usage-metering middleware for the Anthropic SDK.
//
// It wraps the Messages API, detects whether a call targets the direct
// Anthropic API or AWS Bedrock, adapts Bedrock requests and responses to the
// Anthropic shape, measures tokens and timing, and reports usage events
// asynchronously to the Revenium metering API. Metering never blocks or
// alters the caller's request or response: a metering failure is logged and
// absorbed.
//
// Usage:
//
//	if err := revenium.Initialize(); err != nil {
//	    panic(err)
//	}
//	client, _ := revenium.GetClient()
//	defer client.Close()
//
//	resp, err := client.Messages().CreateMessage(ctx, anthropic.MessageNewParams{
//	    Model:     anthropic.ModelClaude3_5SonnetLatest,
//	    MaxTokens: 1024,
//	    Messages: []anthropic.MessageParam{
//	        anthropic.NewUserMessage(anthropic.NewTextBlock("Hello")),
//	    },
//	})
//
// Business metadata rides along via context:
//
//	ctx = revenium.WithUsageMetadata(ctx, map[string]interface{}{
//	    "organizationId": "org-123",
//	    "taskType":       "support-chat",
//	})
package revenium
