package soul

import "github.com/halcyondev/halcyon/llm"

// compactionSystemPrompt is the fixed system prompt for the single
// summarization call issued during compaction.
const compactionSystemPrompt = "You are a helpful assistant that compacts conversation context."

// compactionInstruction is appended after the serialized messages in
// the synthetic compaction input.
const compactionInstruction = `The messages above are the earlier part of an ongoing conversation between a user and a coding agent.
Write a dense summary that preserves everything needed to continue the work:
- the user's goals and constraints, and any decisions already made
- files, directories, and commands that were read, written, or executed, with their outcomes
- open problems, partial results, and the agreed next steps
Respond with the summary only.`

// compactionNotice prefixes the summary message installed in place of
// the compacted history.
const compactionNotice = "Previous context has been compacted. Here is the compaction output:"

// SystemNotice creates a text content part marked as an out-of-band
// system notice injected into a user message.
func SystemNotice(text string) llm.ContentPart {
	return llm.TextPart("<system>" + text + "</system>")
}
