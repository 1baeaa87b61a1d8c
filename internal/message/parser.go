package message

import (
	"encoding/json"
	"strings"
	"unicode/utf16"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// ParseCLIMessage normalises one raw agent message into zero or more
// envelopes. Control traffic is resolved upstream by the stream client and
// produces nothing here; partial stream events are dropped because the final
// assistant message supersedes them. Unknown message types degrade to
// system/unknown envelopes so a protocol addition never stalls a session.
func ParseCLIMessage(raw *claudecode.CLIMessage) []*Envelope {
	if raw == nil {
		return nil
	}
	switch raw.Type {
	case claudecode.MessageTypeAssistant:
		return parseAssistant(raw)
	case claudecode.MessageTypeUser:
		return parseUser(raw)
	case claudecode.MessageTypeSystem:
		return []*Envelope{parseSystem(raw)}
	case claudecode.MessageTypeResult:
		return []*Envelope{parseResult(raw)}
	case claudecode.MessageTypeRateLimit:
		return []*Envelope{New(TypeSystem, SubtypeRateLimit, "", map[string]any{MetaRaw: rawPayload(raw)})}
	case claudecode.MessageTypeStreamEvent,
		claudecode.MessageTypeControlRequest,
		claudecode.MessageTypeControlResponse:
		return nil
	default:
		return []*Envelope{unknownEnvelope(raw)}
	}
}

func parseAssistant(raw *claudecode.CLIMessage) []*Envelope {
	if raw.Message == nil {
		return []*Envelope{unknownEnvelope(raw)}
	}

	blocks := messageBlocks(raw.Message)

	var text []string
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != "" {
			text = append(text, b.Text)
		}
	}

	metadata := map[string]any{}
	if len(blocks) > 0 {
		metadata[MetaContentBlocks] = blocks
	}
	if raw.Message.Model != "" {
		metadata[MetaModel] = raw.Message.Model
	}
	if raw.Message.Usage != nil {
		metadata[MetaUsage] = raw.Message.Usage
	}
	flagReplay(metadata, raw)

	return []*Envelope{New(TypeAssistant, "", strings.Join(text, "\n"), metadata)}
}

// parseUser handles echoed user messages and tool results. Claude Code sends
// tool results back as user messages carrying tool_result content blocks;
// slash command output arrives as a plain string wrapped in
// <local-command-stdout> tags.
func parseUser(raw *claudecode.CLIMessage) []*Envelope {
	if raw.Message == nil {
		return []*Envelope{unknownEnvelope(raw)}
	}

	if s := raw.Message.GetContentString(); s != "" {
		metadata := map[string]any{}
		flagReplay(metadata, raw)
		return []*Envelope{New(TypeUser, "", stripCommandOutput(s), metadata)}
	}

	var envelopes []*Envelope
	var text []string
	for _, b := range messageBlocks(raw.Message) {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				text = append(text, b.Text)
			}
		case BlockToolResult:
			metadata := map[string]any{
				MetaContentBlocks: []ContentBlock{b},
				MetaToolUseID:     b.ToolUseID,
				MetaIsError:       b.IsError,
			}
			if len(raw.ToolUseResult) > 0 {
				var extra any
				if err := json.Unmarshal(raw.ToolUseResult, &extra); err == nil {
					metadata[MetaToolUseResult] = extra
				}
			}
			flagReplay(metadata, raw)
			envelopes = append(envelopes, New(TypeToolResult, "", b.Content, metadata))
		}
	}
	if len(text) > 0 {
		metadata := map[string]any{}
		flagReplay(metadata, raw)
		user := New(TypeUser, "", strings.Join(text, "\n"), metadata)
		envelopes = append([]*Envelope{user}, envelopes...)
	}
	return envelopes
}

func parseSystem(raw *claudecode.CLIMessage) *Envelope {
	subtype := raw.Subtype
	if subtype == "" {
		subtype = SubtypeStatus
	}
	metadata := map[string]any{MetaRaw: rawPayload(raw)}
	if raw.Model != "" {
		metadata[MetaModel] = raw.Model
	}
	return New(TypeSystem, subtype, "", metadata)
}

func parseResult(raw *claudecode.CLIMessage) *Envelope {
	metadata := map[string]any{
		"duration_ms":     raw.DurationMS,
		"duration_api_ms": raw.DurationAPIMS,
		"cost_usd":        raw.CostUSD,
		"num_turns":       raw.NumTurns,
		MetaIsError:       raw.IsError,
	}
	if raw.TotalInputTokens > 0 || raw.TotalOutputTokens > 0 {
		metadata[MetaUsage] = map[string]any{
			"input_tokens":  raw.TotalInputTokens,
			"output_tokens": raw.TotalOutputTokens,
		}
	}

	content := raw.GetResultString()
	if content == "" {
		if data := raw.GetResultData(); data != nil {
			content = data.Text
		}
	}

	return New(TypeResult, raw.Subtype, content, metadata)
}

func unknownEnvelope(raw *claudecode.CLIMessage) *Envelope {
	return New(TypeSystem, SubtypeUnknown, "", map[string]any{
		MetaRaw:    rawPayload(raw),
		"cli_type": raw.Type,
	})
}

// rawPayload preserves the original wire object. Falls back to re-encoding
// the parsed struct when the raw line was not captured.
func rawPayload(raw *claudecode.CLIMessage) any {
	if len(raw.RawContent) > 0 {
		var m map[string]any
		if err := json.Unmarshal(raw.RawContent, &m); err == nil {
			return m
		}
		return string(raw.RawContent)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func flagReplay(metadata map[string]any, raw *claudecode.CLIMessage) {
	if raw.IsReplay {
		metadata[MetaReplay] = true
	}
	if raw.IsSynthetic {
		metadata[MetaSynthetic] = true
	}
}

// messageBlocks extracts typed blocks from a message body, decoding the
// string-encoded forms the CLI falls back to under some configurations.
func messageBlocks(m *claudecode.AssistantMessage) []ContentBlock {
	if cli := m.GetContentBlocks(); len(cli) > 0 {
		return convertBlocks(cli)
	}
	if s := m.GetContentString(); s != "" {
		return decodeStringContent(s)
	}
	return nil
}

func convertBlocks(cli []claudecode.ContentBlock) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(cli))
	for _, b := range cli {
		blocks = append(blocks, ContentBlock{
			Type:      b.Type,
			Text:      b.Text,
			Thinking:  b.Thinking,
			Signature: b.Signature,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.GetContentString(),
			IsError:   b.IsError,
		})
	}
	return blocks
}

// decodeStringContent turns string content into typed blocks. The CLI
// occasionally serialises a block list into a string instead of sending a
// JSON array; recognise that shape and decode it, otherwise the string is a
// single text block. Decoding failures degrade to text, never error.
func decodeStringContent(s string) []ContentBlock {
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		var cli []claudecode.ContentBlock
		if err := json.Unmarshal([]byte(trimmed), &cli); err == nil && allTyped(cli) {
			return convertBlocks(cli)
		}
		if blocks, ok := decodeEscapedBlocks(trimmed); ok {
			return blocks
		}
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var single claudecode.ContentBlock
		if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Type != "" {
			return convertBlocks([]claudecode.ContentBlock{single})
		}
	}

	return []ContentBlock{{Type: BlockText, Text: s}}
}

func allTyped(blocks []claudecode.ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type == "" {
			return false
		}
	}
	return true
}

// decodeEscapedBlocks rescues block lists whose embedded strings carry raw
// control characters or escape sequences that strict JSON rejects, which
// happens with thinking payloads. Only flat string-valued objects (text and
// thinking blocks) are recovered; anything else degrades to a text block at
// the caller.
func decodeEscapedBlocks(s string) ([]ContentBlock, bool) {
	var blocks []ContentBlock
	i := 0
	for {
		start := strings.Index(s[i:], "{")
		if start < 0 {
			break
		}
		fields, next, ok := scanFlatObject(s, i+start)
		if !ok {
			return nil, false
		}
		block, ok := blockFromFields(fields)
		if !ok {
			return nil, false
		}
		blocks = append(blocks, block)
		i = next
	}
	return blocks, len(blocks) > 0
}

// scanFlatObject reads an object whose values are all quoted strings,
// starting at the opening brace. Returns the decoded fields and the index
// just past the closing brace.
func scanFlatObject(s string, start int) (map[string]string, int, bool) {
	fields := make(map[string]string)
	i := start + 1
	for {
		i = skipSpace(s, i)
		if i >= len(s) {
			return nil, 0, false
		}
		if s[i] == '}' {
			return fields, i + 1, true
		}
		if s[i] == ',' {
			i++
			continue
		}
		key, next, ok := scanQuoted(s, i)
		if !ok {
			return nil, 0, false
		}
		i = skipSpace(s, next)
		if i >= len(s) || s[i] != ':' {
			return nil, 0, false
		}
		i = skipSpace(s, i+1)
		value, next, ok := scanQuoted(s, i)
		if !ok {
			return nil, 0, false
		}
		fields[key] = value
		i = next
	}
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// scanQuoted decodes a double-quoted string starting at s[i], handling the
// \n, \t, \r, \", \\, \/ and \uXXXX escapes (including surrogate pairs) and
// tolerating raw control characters inside the quotes.
func scanQuoted(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '"' {
		return "", 0, false
	}
	var sb strings.Builder
	i++
	for i < len(s) {
		c := s[i]
		switch c {
		case '"':
			return sb.String(), i + 1, true
		case '\\':
			if i+1 >= len(s) {
				return "", 0, false
			}
			esc := s[i+1]
			switch esc {
			case 'n':
				sb.WriteByte('\n')
				i += 2
			case 't':
				sb.WriteByte('\t')
				i += 2
			case 'r':
				sb.WriteByte('\r')
				i += 2
			case '"', '\\', '/':
				sb.WriteByte(esc)
				i += 2
			case 'u':
				r, next, ok := scanUnicodeEscape(s, i)
				if !ok {
					return "", 0, false
				}
				sb.WriteRune(r)
				i = next
			default:
				// Unknown escape, keep it verbatim
				sb.WriteByte(c)
				sb.WriteByte(esc)
				i += 2
			}
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, false
}

// scanUnicodeEscape decodes \uXXXX at s[i], consuming a trailing low
// surrogate when the first code unit is a high surrogate.
func scanUnicodeEscape(s string, i int) (rune, int, bool) {
	first, ok := hex4(s, i+2)
	if !ok {
		return 0, 0, false
	}
	next := i + 6
	if utf16.IsSurrogate(rune(first)) {
		if next+6 <= len(s) && s[next] == '\\' && s[next+1] == 'u' {
			if second, ok := hex4(s, next+2); ok {
				if r := utf16.DecodeRune(rune(first), rune(second)); r != 0xFFFD {
					return r, next + 6, true
				}
			}
		}
		return 0xFFFD, next, true
	}
	return rune(first), next, true
}

func hex4(s string, i int) (uint16, bool) {
	if i+4 > len(s) {
		return 0, false
	}
	var v uint16
	for _, c := range []byte(s[i : i+4]) {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint16(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint16(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint16(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

func blockFromFields(fields map[string]string) (ContentBlock, bool) {
	switch fields["type"] {
	case BlockThinking:
		return ContentBlock{
			Type:      BlockThinking,
			Thinking:  fields["thinking"],
			Signature: fields["signature"],
		}, true
	case BlockText:
		return ContentBlock{Type: BlockText, Text: fields["text"]}, true
	default:
		return ContentBlock{}, false
	}
}

// stripCommandOutput unwraps slash command output tags.
func stripCommandOutput(s string) string {
	if strings.HasPrefix(s, "<local-command-stdout>") && strings.HasSuffix(s, "</local-command-stdout>") {
		s = strings.TrimPrefix(s, "<local-command-stdout>")
		s = strings.TrimSuffix(s, "</local-command-stdout>")
	}
	return s
}
