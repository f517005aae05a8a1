package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"openclaw/pkg/logx"
	"openclaw/pkg/persistence"
	"openclaw/pkg/provider"
	"openclaw/pkg/tokens"
)

// KeepRecentTurns is how many trailing turns survive compaction verbatim.
const KeepRecentTurns = 6

// Summarizer compresses older conversation turns into one short text. The
// worker plugs in a cheap-provider summary call; tests plug in fakes.
type Summarizer func(ctx context.Context, turns []provider.Message) (string, error)

// turnPayload is the JSON encoding for turns that carry structured tool
// traffic. Plain text turns are stored as-is.
type turnPayload struct {
	Content     string                `json:"content,omitempty"`
	ToolCalls   []provider.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []provider.ToolResult `json:"tool_results,omitempty"`
}

// Compactor fits a conversation into a provider's context window: the most
// recent KeepRecentTurns turns stay verbatim, older turns collapse into a
// single summary turn.
type Compactor struct {
	counter *tokens.Counter
	log     *logx.Logger
	keep    int
}

// NewCompactor builds a compactor. counter may be nil, in which case token
// counts fall back to character estimation.
func NewCompactor(counter *tokens.Counter) *Compactor {
	return &Compactor{
		counter: counter,
		log:     logx.NewLogger("context"),
		keep:    KeepRecentTurns,
	}
}

// Fit returns messages that fit within limit tokens. When the history is
// over budget and a summarizer is available, everything but the trailing
// keep turns is replaced with one system summary turn. If summarization
// fails the older turns are dropped instead; losing detail beats blowing
// the context window.
func (c *Compactor) Fit(ctx context.Context, msgs []provider.Message, limit int, summarize Summarizer) []provider.Message {
	if limit <= 0 || len(msgs) <= c.keep {
		return msgs
	}
	budget := historyBudget(limit)
	if c.countMessages(msgs) <= budget {
		return msgs
	}

	older := msgs[:len(msgs)-c.keep]
	recent := msgs[len(msgs)-c.keep:]

	summaryText := ""
	if summarize != nil {
		text, err := summarize(ctx, older)
		if err != nil {
			c.log.Warn("history summarization failed, dropping %d turns: %v", len(older), err)
		} else {
			summaryText = strings.TrimSpace(text)
		}
	}

	out := make([]provider.Message, 0, len(recent)+1)
	if summaryText != "" {
		out = append(out, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Summary of prior work:\n" + summaryText,
		})
	}
	return append(out, recent...)
}

// historyBudget leaves room for the response and the fresh task turn.
func historyBudget(limit int) int {
	budget := limit - 2*provider.DefaultMaxTokens
	if budget < limit/2 {
		budget = limit / 2
	}
	return budget
}

func (c *Compactor) countMessages(msgs []provider.Message) int {
	total := 0
	for i := range msgs {
		total += c.countText(encodeTurnContent(&msgs[i])) + 4
	}
	return total
}

func (c *Compactor) countText(text string) int {
	if c.counter != nil {
		return c.counter.Count(text)
	}
	return len(text) / 4
}

// LoadConversation restores a task's persisted conversation as provider
// messages.
func LoadConversation(store *persistence.Store, taskID string) ([]provider.Message, error) {
	turns, err := store.ListConversationTurns(taskID)
	if err != nil {
		return nil, err
	}
	msgs := make([]provider.Message, 0, len(turns))
	for _, turn := range turns {
		msgs = append(msgs, decodeTurn(turn))
	}
	return msgs, nil
}

// SaveConversation replaces a task's persisted conversation with the given
// messages, tagged with the phase and counted with the compactor's counter.
func (c *Compactor) SaveConversation(store *persistence.Store, taskID, phase string, msgs []provider.Message) error {
	turns := make([]*persistence.ConversationTurn, 0, len(msgs))
	for i := range msgs {
		content := encodeTurnContent(&msgs[i])
		turns = append(turns, &persistence.ConversationTurn{
			TaskID:     taskID,
			TurnIndex:  i,
			Role:       storageRole(&msgs[i]),
			Content:    content,
			TokenCount: c.countText(content),
			Phase:      phase,
		})
	}
	return store.ReplaceConversation(taskID, turns)
}

// storageRole maps a message to its persisted role. User turns that only
// carry tool results are stored under the tool role so transcripts read
// sensibly.
func storageRole(m *provider.Message) string {
	if m.Role == provider.RoleUser && len(m.ToolResults) > 0 && m.Content == "" {
		return persistence.RoleTool
	}
	return m.Role
}

// encodeTurnContent serializes a message's content for storage. Turns with
// structured tool traffic become JSON; plain turns stay plain text.
func encodeTurnContent(m *provider.Message) string {
	if len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
		return m.Content
	}
	data, err := json.Marshal(turnPayload{
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
	})
	if err != nil {
		return m.Content
	}
	return string(data)
}

// decodeTurn restores a persisted turn. JSON payloads that fail to decode
// are treated as plain text rather than lost.
func decodeTurn(turn *persistence.ConversationTurn) provider.Message {
	role := turn.Role
	if role == persistence.RoleTool {
		role = provider.RoleUser
	}
	msg := provider.Message{Role: role, Content: turn.Content}

	trimmed := strings.TrimSpace(turn.Content)
	if !strings.HasPrefix(trimmed, "{") {
		return msg
	}
	var payload turnPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return msg
	}
	if len(payload.ToolCalls) == 0 && len(payload.ToolResults) == 0 {
		return msg
	}
	msg.Content = payload.Content
	msg.ToolCalls = payload.ToolCalls
	msg.ToolResults = payload.ToolResults
	return msg
}
