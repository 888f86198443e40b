// Package message defines the inbound request shape accepted from external
// clients and the internal event envelope handed to the processing pipeline.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMissingMessage indicates the request carried no message body.
var ErrMissingMessage = errors.New("message: missing message field")

// UnitKind discriminates content unit payloads.
type UnitKind string

const (
	UnitText    UnitKind = "text"
	UnitImage   UnitKind = "image"
	UnitAudio   UnitKind = "audio"
	UnitUnknown UnitKind = "unknown"
)

// ContentUnit is one typed element of a message body.
type ContentUnit struct {
	Kind    UnitKind `json:"type"`
	Payload string   `json:"payload"`
}

// Sender identifies who sent a message.
type Sender struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// RequestMeta captures transport-level attributes of the originating HTTP
// request for downstream consumers that care about provenance.
type RequestMeta struct {
	Method      string              `json:"method,omitempty"`
	URL         string              `json:"url,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	RemoteAddr  string              `json:"remote_addr,omitempty"`
	UserAgent   string              `json:"user_agent,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Accept      string              `json:"accept,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Event is the internal envelope submitted to the pipeline. One Event is
// built per accepted request; its ID is the correlation key for the reply.
type Event struct {
	ID        string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Sender    Sender          `json:"sender"`
	Platform  string          `json:"platform"`
	Content   []ContentUnit   `json:"content"`
	PlainText string          `json:"plain_text"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Meta      RequestMeta     `json:"meta"`

	// MessageID is the caller-supplied identifier, echoed back verbatim in
	// the response when present.
	MessageID string `json:"message_id,omitempty"`

	// Wake marks the event as directly addressed to the pipeline, so it is
	// processed without a wake-word match.
	Wake bool `json:"wake"`

	// AddressedCommand marks the event as an explicit command invocation.
	AddressedCommand bool `json:"addressed_command"`

	Timestamp time.Time `json:"timestamp"`
}

// InboundRequest is the JSON body accepted by the message endpoints. Message
// is kept raw: a plain JSON string is treated as text, an array as a list of
// typed content units.
type InboundRequest struct {
	Message   json.RawMessage `json:"message"`
	UserID    string          `json:"user_id"`
	Platform  string          `json:"platform"`
	Nickname  string          `json:"nickname"`
	Username  string          `json:"username"`
	MessageID string          `json:"message_id"`

	// Timeout in seconds for the blocking reply. Zero means the default.
	Timeout float64 `json:"timeout"`
}

// wireUnit is the accepted shape of one element of an array-form message.
type wireUnit struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	URL     string `json:"url"`
	Payload string `json:"payload"`
}

// Build validates an inbound request and produces the internal event. The
// event id is a fresh UUID; the session id is derived from platform and user
// so repeat callers land in the same session.
func Build(req *InboundRequest, meta RequestMeta) (*Event, error) {
	if len(req.Message) == 0 || string(req.Message) == "null" {
		return nil, ErrMissingMessage
	}

	content, plain, err := parseContent(req.Message)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, ErrMissingMessage
	}

	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}
	platform := req.Platform
	if platform == "" {
		platform = "external"
	}
	nickname := req.Nickname
	if nickname == "" {
		nickname = req.Username
	}
	if nickname == "" {
		nickname = "external"
	}

	return &Event{
		ID:               uuid.NewString(),
		SessionID:        fmt.Sprintf("%s_%s", platform, userID),
		Sender:           Sender{UserID: userID, Nickname: nickname},
		Platform:         platform,
		Content:          content,
		PlainText:        plain,
		Raw:              req.Message,
		Meta:             meta,
		MessageID:        req.MessageID,
		Wake:             true,
		AddressedCommand: true,
		Timestamp:        time.Now(),
	}, nil
}

func parseContent(raw json.RawMessage) ([]ContentUnit, string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, "", ErrMissingMessage
		}
		return []ContentUnit{{Kind: UnitText, Payload: text}}, text, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, "", fmt.Errorf("message: malformed message field: %w", err)
	}

	out := make([]ContentUnit, 0, len(elems))
	var plain string
	for _, el := range elems {
		var u wireUnit
		if err := json.Unmarshal(el, &u); err != nil {
			// A bad element degrades alone, carrying its raw payload;
			// the rest of the message still goes through.
			out = append(out, ContentUnit{Kind: UnitUnknown, Payload: string(el)})
			continue
		}
		switch UnitKind(u.Type) {
		case UnitText:
			out = append(out, ContentUnit{Kind: UnitText, Payload: u.Text})
			if plain != "" {
				plain += " "
			}
			plain += u.Text
		case UnitImage:
			out = append(out, ContentUnit{Kind: UnitImage, Payload: firstNonEmpty(u.URL, u.Payload)})
		case UnitAudio:
			out = append(out, ContentUnit{Kind: UnitAudio, Payload: firstNonEmpty(u.URL, u.Payload)})
		default:
			// Unrecognized kinds degrade rather than reject, so a newer
			// client does not break an older server.
			out = append(out, ContentUnit{Kind: UnitUnknown, Payload: string(el)})
		}
	}
	return out, plain, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Timeout bounds for blocking replies.
const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 600 * time.Second
)

// ClampTimeout converts a caller-supplied timeout in seconds to a bounded
// duration. Zero or negative selects the default.
func ClampTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
