package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// SyncData is the outgoing change set of a sync request.
type SyncData struct {
	Conversations []*Conversation `json:"conversations,omitempty"`
	Messages      []*Message      `json:"messages,omitempty"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	LastSyncAt time.Time `json:"lastSyncAt"`
	Data       SyncData  `json:"data"`

	// Rejected lists records dropped while decoding. Never serialized.
	Rejected []Rejection `json:"-"`
}

// AcceptedIDs echoes the ids of submitted records the remote stored or
// superseded. Only those may be marked clean by the client.
type AcceptedIDs struct {
	Conversations []string `json:"conversations"`
	Messages      []string `json:"messages"`
}

// SyncResponse is the body of a successful POST /sync.
type SyncResponse struct {
	Conversations []*Conversation `json:"conversations"`
	Messages      []*Message      `json:"messages"`
	SyncedAt      time.Time       `json:"syncedAt"`
	Accepted      *AcceptedIDs    `json:"accepted,omitempty"`

	// Rejected lists records dropped while decoding. Never serialized.
	Rejected []Rejection `json:"-"`
}

// ErrorBody is the JSON error envelope returned by the remote.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RemoteError is returned by DecodeSyncResponse when the body is an error
// envelope rather than a change set.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

// ErrMalformed marks a payload that cannot be interpreted at all.
var ErrMalformed = errors.New("malformed sync payload")

type rawResponse struct {
	Conversations []json.RawMessage `json:"conversations"`
	Messages      []json.RawMessage `json:"messages"`
	SyncedAt      *string           `json:"syncedAt"`
	Accepted      *AcceptedIDs      `json:"accepted"`
	Error         string            `json:"error"`
	Message       string            `json:"message"`
}

// DecodeSyncResponse parses a sync response body.
//
// Structural problems (invalid JSON, missing syncedAt, an error envelope)
// fail the whole response. Individual records that do not decode or do not
// validate are collected in Rejected and skipped.
func DecodeSyncResponse(data []byte) (*SyncResponse, error) {
	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Error != "" {
		return nil, &RemoteError{Code: raw.Error, Message: raw.Message}
	}
	if raw.SyncedAt == nil {
		return nil, fmt.Errorf("%w: syncedAt is missing", ErrMalformed)
	}
	syncedAt, err := ParseTime(*raw.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	resp := &SyncResponse{SyncedAt: syncedAt, Accepted: raw.Accepted}
	resp.Conversations, resp.Messages, resp.Rejected = decodeRecords(raw.Conversations, raw.Messages)
	return resp, nil
}

type rawRequest struct {
	LastSyncAt *string `json:"lastSyncAt"`
	Data       struct {
		Conversations []json.RawMessage `json:"conversations"`
		Messages      []json.RawMessage `json:"messages"`
	} `json:"data"`
}

// DecodeSyncRequest parses a sync request body with the same per-record
// tolerance as DecodeSyncResponse.
func DecodeSyncRequest(r io.Reader) (*SyncRequest, error) {
	var raw rawRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.LastSyncAt == nil {
		return nil, fmt.Errorf("%w: lastSyncAt is missing", ErrMalformed)
	}
	lastSyncAt, err := ParseTime(*raw.LastSyncAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := &SyncRequest{LastSyncAt: lastSyncAt}
	req.Data.Conversations, req.Data.Messages, req.Rejected = decodeRecords(raw.Data.Conversations, raw.Data.Messages)
	return req, nil
}

func decodeRecords(convs, msgs []json.RawMessage) ([]*Conversation, []*Message, []Rejection) {
	var rejected []Rejection
	outConvs := make([]*Conversation, 0, len(convs))
	for _, item := range convs {
		var c Conversation
		if err := json.Unmarshal(item, &c); err != nil {
			rejected = append(rejected, Rejection{Entity: EntityConversations, ID: peekID(item), Reason: err.Error()})
			continue
		}
		if err := c.Validate(); err != nil {
			rejected = append(rejected, Rejection{Entity: EntityConversations, ID: c.ID, Reason: err.Error()})
			continue
		}
		outConvs = append(outConvs, &c)
	}

	outMsgs := make([]*Message, 0, len(msgs))
	for _, item := range msgs {
		var m Message
		if err := json.Unmarshal(item, &m); err != nil {
			rejected = append(rejected, Rejection{Entity: EntityMessages, ID: peekID(item), Reason: err.Error()})
			continue
		}
		if err := m.Validate(); err != nil {
			rejected = append(rejected, Rejection{Entity: EntityMessages, ID: m.ID, Reason: err.Error()})
			continue
		}
		outMsgs = append(outMsgs, &m)
	}
	return outConvs, outMsgs, rejected
}

// peekID extracts the id of a record that failed full decoding, if any.
func peekID(item json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(item), &head); err != nil {
		return ""
	}
	return head.ID
}
