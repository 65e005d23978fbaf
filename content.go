package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ContentKind tags the variant of a MessageContent.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindFile     ContentKind = "file"
	KindLocation ContentKind = "location"
)

// MessageContent is the payload of a message: one of TextContent,
// FileContent, LocationContent or UnknownContent.
type MessageContent interface {
	Kind() ContentKind
	PreviewText() string
	// WithText returns a copy with the user-editable text replaced.
	WithText(text string) MessageContent
	isMessageContent()
}

// TextContent is a plain text message.
type TextContent struct {
	Text string
}

func (TextContent) Kind() ContentKind                   { return KindText }
func (c TextContent) PreviewText() string               { return c.Text }
func (TextContent) WithText(text string) MessageContent { return TextContent{Text: text} }
func (TextContent) isMessageContent()                   {}

// FileContent is an uploaded attachment with an optional caption.
type FileContent struct {
	URL      string `json:"fileUrl"`
	Name     string `json:"fileName"`
	Size     int64  `json:"fileSize,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"-"`
}

func (FileContent) Kind() ContentKind { return KindFile }

func (c FileContent) PreviewText() string {
	if c.Caption != "" {
		return c.Caption
	}
	return c.Name
}

func (c FileContent) WithText(text string) MessageContent {
	c.Caption = text
	return c
}

func (FileContent) isMessageContent() {}

// LocationContent is a shared map position.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"-"`
}

func (LocationContent) Kind() ContentKind { return KindLocation }

func (c LocationContent) PreviewText() string {
	if c.Label != "" {
		return c.Label
	}
	return strconv.FormatFloat(c.Latitude, 'f', 5, 64) + ", " + strconv.FormatFloat(c.Longitude, 'f', 5, 64)
}

func (c LocationContent) WithText(text string) MessageContent {
	c.Label = text
	return c
}

func (LocationContent) isMessageContent() {}

// UnknownContent carries a message whose type this client does not model,
// or whose metadata could not be decoded. It round-trips unchanged.
type UnknownContent struct {
	Type     ContentKind
	Text     string
	Metadata json.RawMessage
}

func (c UnknownContent) Kind() ContentKind { return c.Type }

func (c UnknownContent) PreviewText() string {
	if c.Text != "" {
		return c.Text
	}
	return "[" + string(c.Type) + "]"
}

func (c UnknownContent) WithText(text string) MessageContent {
	c.Text = text
	return c
}

func (UnknownContent) isMessageContent() {}

// encodeContent splits a content value into the wire type, content string
// and metadata object.
func encodeContent(c MessageContent) (ContentKind, string, json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return KindText, "", nil, nil
	case TextContent:
		return KindText, v.Text, nil, nil
	case FileContent:
		meta, err := json.Marshal(v)
		return KindFile, v.Caption, meta, err
	case LocationContent:
		meta, err := json.Marshal(v)
		return KindLocation, v.Label, meta, err
	case UnknownContent:
		return v.Type, v.Text, v.Metadata, nil
	default:
		return "", "", nil, fmt.Errorf("unknown content type %T", c)
	}
}

// decodeContent never fails: unrecognised types and undecodable metadata
// yield UnknownContent so one odd message cannot spoil a whole page.
func decodeContent(kind ContentKind, text string, meta json.RawMessage) MessageContent {
	unknown := UnknownContent{Type: kind, Text: text, Metadata: meta}
	switch kind {
	case KindText, "":
		return TextContent{Text: text}
	case KindFile:
		var f FileContent
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &f); err != nil {
				return unknown
			}
		}
		f.Caption = text
		return f
	case KindLocation:
		var l LocationContent
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &l); err != nil {
				return unknown
			}
		}
		l.Label = text
		return l
	default:
		return unknown
	}
}
