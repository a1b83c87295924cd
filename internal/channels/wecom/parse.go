package wecom

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/parley/parley/internal/channels"
)

// envelope is the outer XML the platform posts; only Encrypt matters
// once the signature checks out.
type envelope struct {
	ToUserName string `xml:"ToUserName"`
	AgentID    string `xml:"AgentID"`
	Encrypt    string `xml:"Encrypt"`
}

// message is the decrypted inner XML.
type message struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   int64  `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
	MsgID        string `xml:"MsgId"`
	AgentID      int    `xml:"AgentID"`
	MediaID      string `xml:"MediaId"`
	PicURL       string `xml:"PicUrl"`
	Event        string `xml:"Event"`
	EventKey     string `xml:"EventKey"`
}

// Parse normalizes a decrypted message payload. Text becomes the turn
// content; images and files keep their media reference as an
// attachment; everything event-like maps to the event kind so the
// registry never runs a turn for it.
func (a *Adapter) Parse(raw []byte) (*channels.InboundMessage, error) {
	var m message
	if err := xml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wecom: parse message xml: %w", err)
	}
	if m.FromUserName == "" {
		return nil, fmt.Errorf("wecom: message missing sender")
	}

	msg := &channels.InboundMessage{
		MessageID: m.MsgID,
		User: channels.User{
			UserID:  m.FromUserName,
			Channel: a.Channel(),
		},
		Timestamp: time.Unix(m.CreateTime, 0).UTC(),
		Raw:       raw,
	}
	if msg.MessageID == "" {
		msg.MessageID = strconv.FormatInt(m.CreateTime, 10) + ":" + m.FromUserName
	}

	switch m.MsgType {
	case "text":
		msg.Kind = channels.KindText
		msg.Content = m.Content
	case "image":
		msg.Kind = channels.KindImage
		msg.Attachments = []channels.Attachment{{Type: "image", MediaID: m.MediaID, URL: m.PicURL}}
	case "file":
		msg.Kind = channels.KindFile
		msg.Attachments = []channels.Attachment{{Type: "file", MediaID: m.MediaID}}
	case "event":
		msg.Kind = channels.KindEvent
		msg.Metadata = map[string]string{"event": m.Event}
		if m.EventKey != "" {
			msg.Metadata["event_key"] = m.EventKey
		}
	default:
		return nil, fmt.Errorf("wecom: unsupported message type %q", m.MsgType)
	}
	return msg, nil
}
