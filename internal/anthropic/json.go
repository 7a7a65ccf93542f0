package anthropic

import "encoding/json"

// UnmarshalJSON normalizes the two shapes the Messages API accepts for a
// turn's content: a bare string (shorthand for one text block) or an array
// of content block objects.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role

	if len(wire.Content) == 0 {
		m.Content = nil
		return nil
	}

	switch wire.Content[0] {
	case '"':
		var text string
		if err := json.Unmarshal(wire.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: BlockText, Text: text}}
		return nil
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(wire.Content, &blocks); err != nil {
			return err
		}
		m.Content = blocks
		return nil
	default:
		return &json.UnmarshalTypeError{Value: "content", Type: nil}
	}
}

// UnmarshalJSON captures any fields not modeled by ContentBlock into Raw so
// that round-tripping an unrecognized block type never loses data.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = ContentBlock(a)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}
