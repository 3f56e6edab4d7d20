package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adamavenir/tally/internal/sign"
)

// Frame labels.
const (
	labelReq    = "REQ"
	labelEvent  = "EVENT"
	labelAuth   = "AUTH"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelClosed = "CLOSED"
	labelNotice = "NOTICE"
)

// Filter is a subscription filter.
type Filter struct {
	Kinds []int    `json:"kinds,omitempty"`
	PTags []string `json:"#p,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

func encodeReq(subID string, filter Filter) ([]byte, error) {
	return json.Marshal([]any{labelReq, subID, filter})
}

func encodeEvent(ev sign.Event) ([]byte, error) {
	return json.Marshal([]any{labelEvent, ev})
}

func encodeAuth(ev sign.Event) ([]byte, error) {
	return json.Marshal([]any{labelAuth, ev})
}

// inbound is a decoded relay-to-client frame. Only the fields relevant to
// Label are set.
type inbound struct {
	Label     string
	Challenge string
	SubID     string
	EventID   string
	OK        bool
	Message   string
}

func decodeFrame(data []byte) (inbound, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) == 0 {
		return inbound{}, errors.New("decode frame: empty array")
	}
	var frame inbound
	if err := json.Unmarshal(parts[0], &frame.Label); err != nil {
		return inbound{}, fmt.Errorf("decode frame label: %w", err)
	}

	str := func(i int) string {
		if i >= len(parts) {
			return ""
		}
		var s string
		_ = json.Unmarshal(parts[i], &s)
		return s
	}

	switch frame.Label {
	case labelAuth:
		frame.Challenge = str(1)
	case labelOK:
		frame.EventID = str(1)
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &frame.OK)
		}
		frame.Message = str(3)
	case labelEOSE:
		frame.SubID = str(1)
	case labelClosed:
		frame.SubID = str(1)
		frame.Message = str(2)
	case labelNotice:
		frame.Message = str(1)
	}
	return frame, nil
}
