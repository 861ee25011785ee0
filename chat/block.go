package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BlockKind discriminates the block union. An assistant message body is an
// ordered BlockList; order is append-only during generation.
type BlockKind string

const (
	BlockKindContent    BlockKind = "content"
	BlockKindReasoning  BlockKind = "reasoning"
	BlockKindToolCall   BlockKind = "tool_call"
	BlockKindPermission BlockKind = "tool_call_permission"
	BlockKindError      BlockKind = "error"
	BlockKindImage      BlockKind = "image"
)

type BlockStatus string

const (
	BlockStatusLoading BlockStatus = "loading"
	BlockStatusSuccess BlockStatus = "success"
	BlockStatusError   BlockStatus = "error"
	BlockStatusRunning BlockStatus = "running"
	BlockStatusPending BlockStatus = "pending"
	BlockStatusGranted BlockStatus = "granted"
	BlockStatusDenied  BlockStatus = "denied"
)

// PermissionType classifies what a tool call is allowed to do.
type PermissionType string

const (
	PermissionRead    PermissionType = "read"
	PermissionWrite   PermissionType = "write"
	PermissionExecute PermissionType = "execute"
)

// Block is the closed union of assistant message block types.
type Block interface {
	Kind() BlockKind
}

// ContentBlock holds streamed answer text.
type ContentBlock struct {
	Text   string
	Status BlockStatus
}

func (*ContentBlock) Kind() BlockKind { return BlockKindContent }

// ReasoningBlock holds streamed thinking text, kept separate from content.
type ReasoningBlock struct {
	Text   string
	Status BlockStatus
}

func (*ReasoningBlock) Kind() BlockKind { return BlockKindReasoning }

// ToolCallBlock records one tool invocation and its outcome.
type ToolCallBlock struct {
	ID         string
	Name       string
	ServerName string
	Params     map[string]any
	Status     BlockStatus
	Response   string
}

func (*ToolCallBlock) Kind() BlockKind { return BlockKindToolCall }

// PermissionBlock asks the user to approve the referenced tool call.
type PermissionBlock struct {
	ToolCallID     string
	ServerName     string
	PermissionType PermissionType
	Description    string
	Status         BlockStatus
}

func (*PermissionBlock) Kind() BlockKind { return BlockKindPermission }

// ErrorBlock records a terminal failure inline in the message body.
type ErrorBlock struct {
	Message string
}

func (*ErrorBlock) Kind() BlockKind { return BlockKindError }

// ImageBlock holds inline image output.
type ImageBlock struct {
	Data     string
	MimeType string
}

func (*ImageBlock) Kind() BlockKind { return BlockKindImage }

// BlockList is the ordered body of an assistant message.
type BlockList []Block

// blockEnvelope is the wire form of a block: the discriminant plus the
// superset of per-kind fields.
type blockEnvelope struct {
	Type           BlockKind      `json:"type"`
	Text           string         `json:"text,omitempty"`
	Status         BlockStatus    `json:"status,omitempty"`
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name,omitempty"`
	ServerName     string         `json:"serverName,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Response       string         `json:"response,omitempty"`
	ToolCallID     string         `json:"toolCallId,omitempty"`
	PermissionType PermissionType `json:"permissionType,omitempty"`
	Description    string         `json:"description,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           string         `json:"data,omitempty"`
	MimeType       string         `json:"mimeType,omitempty"`
}

func (l BlockList) MarshalJSON() ([]byte, error) {
	envelopes := make([]blockEnvelope, 0, len(l))
	for _, b := range l {
		switch v := b.(type) {
		case *ContentBlock:
			envelopes = append(envelopes, blockEnvelope{Type: BlockKindContent, Text: v.Text, Status: v.Status})
		case *ReasoningBlock:
			envelopes = append(envelopes, blockEnvelope{Type: BlockKindReasoning, Text: v.Text, Status: v.Status})
		case *ToolCallBlock:
			envelopes = append(envelopes, blockEnvelope{
				Type: BlockKindToolCall, ID: v.ID, Name: v.Name, ServerName: v.ServerName,
				Params: v.Params, Status: v.Status, Response: v.Response,
			})
		case *PermissionBlock:
			envelopes = append(envelopes, blockEnvelope{
				Type: BlockKindPermission, ToolCallID: v.ToolCallID, ServerName: v.ServerName,
				PermissionType: v.PermissionType, Description: v.Description, Status: v.Status,
			})
		case *ErrorBlock:
			envelopes = append(envelopes, blockEnvelope{Type: BlockKindError, Message: v.Message})
		case *ImageBlock:
			envelopes = append(envelopes, blockEnvelope{Type: BlockKindImage, Data: v.Data, MimeType: v.MimeType})
		default:
			return nil, errors.Errorf("unknown block type %T", b)
		}
	}
	return json.Marshal(envelopes)
}

func (l *BlockList) UnmarshalJSON(data []byte) error {
	var envelopes []blockEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return errors.Wrap(err, "failed to unmarshal block list")
	}
	blocks := make(BlockList, 0, len(envelopes))
	for _, e := range envelopes {
		switch e.Type {
		case BlockKindContent:
			blocks = append(blocks, &ContentBlock{Text: e.Text, Status: e.Status})
		case BlockKindReasoning:
			blocks = append(blocks, &ReasoningBlock{Text: e.Text, Status: e.Status})
		case BlockKindToolCall:
			blocks = append(blocks, &ToolCallBlock{
				ID: e.ID, Name: e.Name, ServerName: e.ServerName,
				Params: e.Params, Status: e.Status, Response: e.Response,
			})
		case BlockKindPermission:
			blocks = append(blocks, &PermissionBlock{
				ToolCallID: e.ToolCallID, ServerName: e.ServerName,
				PermissionType: e.PermissionType, Description: e.Description, Status: e.Status,
			})
		case BlockKindError:
			blocks = append(blocks, &ErrorBlock{Message: e.Message})
		case BlockKindImage:
			blocks = append(blocks, &ImageBlock{Data: e.Data, MimeType: e.MimeType})
		default:
			return errors.Errorf("unknown block type %q", e.Type)
		}
	}
	*l = blocks
	return nil
}

// ParseBlocks decodes an assistant message content column. An empty column
// means an empty body.
func ParseBlocks(content string) (BlockList, error) {
	if content == "" {
		return BlockList{}, nil
	}
	var blocks BlockList
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Encode renders the list back into the content column form.
func (l BlockList) Encode() (string, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal block list")
	}
	return string(raw), nil
}

// AppendText extends the trailing loading content block, or appends a new
// one when the tail is any other block.
func (l BlockList) AppendText(text string) BlockList {
	if n := len(l); n > 0 {
		if b, ok := l[n-1].(*ContentBlock); ok && b.Status == BlockStatusLoading {
			b.Text += text
			return l
		}
	}
	return append(l, &ContentBlock{Text: text, Status: BlockStatusLoading})
}

// AppendReasoning is AppendText for reasoning deltas.
func (l BlockList) AppendReasoning(text string) BlockList {
	if n := len(l); n > 0 {
		if b, ok := l[n-1].(*ReasoningBlock); ok && b.Status == BlockStatusLoading {
			b.Text += text
			return l
		}
	}
	return append(l, &ReasoningBlock{Text: text, Status: BlockStatusLoading})
}

// FindToolCall returns the most recent tool call block with the given id.
func (l BlockList) FindToolCall(id string) *ToolCallBlock {
	for i := len(l) - 1; i >= 0; i-- {
		if b, ok := l[i].(*ToolCallBlock); ok && b.ID == id {
			return b
		}
	}
	return nil
}

// FindPermission returns the most recent permission block referencing the
// given tool call id.
func (l BlockList) FindPermission(toolCallID string) *PermissionBlock {
	for i := len(l) - 1; i >= 0; i-- {
		if b, ok := l[i].(*PermissionBlock); ok && b.ToolCallID == toolCallID {
			return b
		}
	}
	return nil
}

// HasPendingPermission reports whether any permission block still awaits a
// decision.
func (l BlockList) HasPendingPermission() bool {
	for _, b := range l {
		if p, ok := b.(*PermissionBlock); ok && p.Status == BlockStatusPending {
			return true
		}
	}
	return false
}

// SealLoading marks every still-loading text block as finished.
func (l BlockList) SealLoading() {
	for _, b := range l {
		switch v := b.(type) {
		case *ContentBlock:
			if v.Status == BlockStatusLoading {
				v.Status = BlockStatusSuccess
			}
		case *ReasoningBlock:
			if v.Status == BlockStatusLoading {
				v.Status = BlockStatusSuccess
			}
		}
	}
}

// PlainText concatenates content block text, used for token accounting.
func (l BlockList) PlainText() string {
	var out string
	for _, b := range l {
		if c, ok := b.(*ContentBlock); ok {
			out += c.Text
		}
	}
	return out
}
