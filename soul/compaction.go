package soul

import (
	"context"
	"fmt"

	"github.com/halcyondev/halcyon/llm"
)

// ShouldAutoCompact reports whether the history has grown past either
// safety margin: the ratio threshold or the reserved-token floor.
// Whichever is numerically lower for a given context size fires first;
// both are sufficient on their own.
func ShouldAutoCompact(tokensUsed, maxContextSize int, triggerRatio float64, reservedContextSize int) bool {
	if tokensUsed <= 0 {
		return false
	}
	if float64(tokensUsed) >= float64(maxContextSize)*triggerRatio {
		return true
	}
	return tokensUsed >= maxContextSize-reservedContextSize
}

// CompactionResult is the outcome of one compaction: the new history
// and, when a summarization call was made, its token usage.
type CompactionResult struct {
	Messages []llm.Message
	Usage    *llm.TokenUsage
}

// EstimatedTokenCount estimates the token size of the compacted
// history. When usage is known, the summary (first message) counts at
// its exact output-token size and the preserved tail is estimated from
// text length; otherwise everything is estimated. Think content never
// counts. The estimate is corrected by real usage on the next call.
func (r CompactionResult) EstimatedTokenCount() int {
	if r.Usage != nil && len(r.Messages) > 0 {
		return r.Usage.Output + llm.EstimateTokens(r.Messages[1:])
	}
	return llm.EstimateTokens(r.Messages)
}

// GenerateFunc issues one provider call. The engine passes a closure
// that applies its recovery policy, so compaction calls are retried the
// same way step calls are.
type GenerateFunc func(ctx context.Context, req llm.GenerateRequest) (*llm.StepResult, error)

// SimpleCompaction folds all but the last MaxPreservedMessages
// user/assistant messages into a single summarization request.
type SimpleCompaction struct {
	MaxPreservedMessages int
}

// Prepare splits the history and synthesizes the compaction input
// message. A nil compact message means compaction is a no-op and
// toPreserve echoes the input unchanged.
func (c SimpleCompaction) Prepare(messages []llm.Message, customInstruction string) (compactMsg *llm.Message, toPreserve []llm.Message) {
	if len(messages) == 0 || c.MaxPreservedMessages <= 0 {
		return nil, messages
	}

	preserveStart := len(messages)
	preserved := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser || messages[i].Role == llm.RoleAssistant {
			preserved++
			if preserved == c.MaxPreservedMessages {
				preserveStart = i
				break
			}
		}
	}
	if preserved < c.MaxPreservedMessages {
		return nil, messages
	}

	toCompact := messages[:preserveStart]
	toPreserve = messages[preserveStart:]
	if len(toCompact) == 0 {
		return nil, toPreserve
	}

	var content []llm.ContentPart
	for i, msg := range toCompact {
		content = append(content, llm.TextPart(
			fmt.Sprintf("## Message %d\nRole: %s\nContent:\n", i+1, msg.Role)))
		content = append(content, msg.StripThink().Content...)
	}
	content = append(content, llm.TextPart("\n"+compactionInstruction))
	if customInstruction != "" {
		content = append(content, llm.TextPart("\n\nAdditional instruction from the user:\n"+customInstruction))
	}

	return &llm.Message{Role: llm.RoleUser, Content: content}, toPreserve
}

// Compact runs the compaction strategy: at most one generate call with
// a fixed system prompt and an empty toolset. The returned history is
// [notice-prefixed summary] + preserved tail, or the input unchanged
// when there is nothing to compact.
func (c SimpleCompaction) Compact(ctx context.Context, messages []llm.Message, generate GenerateFunc, customInstruction string) (CompactionResult, error) {
	compactMsg, toPreserve := c.Prepare(messages, customInstruction)
	if compactMsg == nil {
		return CompactionResult{Messages: toPreserve}, nil
	}

	result, err := generate(ctx, llm.GenerateRequest{
		SystemPrompt: compactionSystemPrompt,
		History:      []llm.Message{*compactMsg},
	})
	if err != nil {
		return CompactionResult{}, fmt.Errorf("compaction call: %w", err)
	}

	content := []llm.ContentPart{SystemNotice(compactionNotice)}
	content = append(content, result.Message.StripThink().Content...)

	compacted := make([]llm.Message, 0, len(toPreserve)+1)
	compacted = append(compacted, llm.Message{Role: llm.RoleUser, Content: content})
	compacted = append(compacted, toPreserve...)
	return CompactionResult{Messages: compacted, Usage: result.Usage}, nil
}
