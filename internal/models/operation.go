package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Kind tags the domain write an operation carries; it determines the payload shape.
type Kind string

const (
	KindReport                Kind = "report"
	KindDonation              Kind = "donation"
	KindVolunteerRegistration Kind = "volunteer_registration"
	KindContact               Kind = "contact"
	KindDrill                 Kind = "drill"
	KindGeneric               Kind = "generic"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindReport, KindDonation, KindVolunteerRegistration, KindContact, KindDrill, KindGeneric:
		return true
	}
	return false
}

// Method is the semantic write verb, independent of transport.
type Method string

const (
	MethodCreate  Method = "create"
	MethodReplace Method = "replace"
	MethodDelete  Method = "delete"
	MethodPatch   Method = "patch"
)

// Valid reports whether m is one of the known verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodReplace, MethodDelete, MethodPatch:
		return true
	}
	return false
}

// State enumerates the persisted lifecycle of a queued operation.
// Completed operations are removed, never stored.
type State string

const (
	StatePending    State = "pending"
	StateInFlight   State = "in_flight"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// Eligible reports whether a sync pass should pick up an item in this state.
func (s State) Eligible() bool {
	return s == StatePending || s == StateFailed
}

// MaxAttachmentBytes is the largest attachment accepted for upload.
const MaxAttachmentBytes = 25 * 1024 * 1024

// Attachment references a local file that must be uploaded before delivery.
// URL is set once the upload succeeded and is written into the payload document
// under Field.
type Attachment struct {
	Field       string `json:"field"`
	LocalRef    string `json:"local_ref"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
}

// QueuedOperation is the unit of durable work.
type QueuedOperation struct {
	ID          string
	Kind        Kind
	Method      Method
	Target      string
	Payload     Payload
	Attachments []Attachment
	EnqueuedAt  time.Time
	Attempts    int
	State       State
	LastError   string
	UpdatedAt   time.Time
}

// wireOperation is the persisted record. Unknown fields are ignored on decode so
// records written by a newer agent still load.
type wireOperation struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Method      Method          `json:"method"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Attempts    int             `json:"attempts"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the operation with its payload inline.
func (op QueuedOperation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if op.Payload != nil {
		b, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op.Kind, err)
		}
		raw = b
	}
	return json.Marshal(wireOperation{
		ID:          op.ID,
		Kind:        op.Kind,
		Method:      op.Method,
		Target:      op.Target,
		Payload:     raw,
		Attachments: op.Attachments,
		EnqueuedAt:  op.EnqueuedAt,
		Attempts:    op.Attempts,
		State:       op.State,
		LastError:   op.LastError,
		UpdatedAt:   op.UpdatedAt,
	})
}

// UnmarshalJSON decodes a record, resolving the payload by kind. Only a record
// without an id is an error: a field of the wrong type is dropped on its own and
// a payload that no longer fits its kind is kept as Unparsed.
func (op *QueuedOperation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		w = salvage(fields)
	}
	if w.ID == "" {
		return fmt.Errorf("operation record has no id")
	}
	payload, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		payload = Unparsed{kind: w.Kind, raw: slices.Clone(w.Payload)}
	}
	*op = QueuedOperation{
		ID:          w.ID,
		Kind:        w.Kind,
		Method:      w.Method,
		Target:      w.Target,
		Payload:     payload,
		Attachments: w.Attachments,
		EnqueuedAt:  w.EnqueuedAt,
		Attempts:    w.Attempts,
		State:       w.State,
		LastError:   w.LastError,
		UpdatedAt:   w.UpdatedAt,
	}
	return nil
}

// salvage decodes each known field on its own, skipping the ones that fail.
func salvage(fields map[string]json.RawMessage) wireOperation {
	var w wireOperation
	field := func(name string, dst any) {
		if raw, ok := fields[name]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	field("id", &w.ID)
	field("kind", &w.Kind)
	field("method", &w.Method)
	field("target", &w.Target)
	w.Payload = fields["payload"]
	field("attachments", &w.Attachments)
	field("enqueued_at", &w.EnqueuedAt)
	field("attempts", &w.Attempts)
	field("state", &w.State)
	field("last_error", &w.LastError)
	field("updated_at", &w.UpdatedAt)
	return w
}

// Clone returns a copy that shares no mutable state with op.
func (op QueuedOperation) Clone() QueuedOperation {
	out := op
	out.Attachments = slices.Clone(op.Attachments)
	out.Payload = clonePayload(op.Payload)
	return out
}

// PendingUploads returns the indexes of attachments that still need uploading.
func (op QueuedOperation) PendingUploads() []int {
	var idx []int
	for i, a := range op.Attachments {
		if a.URL == "" {
			idx = append(idx, i)
		}
	}
	return idx
}

// Document renders the payload as a key/value document with uploaded attachment
// URLs written under their field. A field with several attachments gets a list.
func (op QueuedOperation) Document() (map[string]any, error) {
	doc := map[string]any{}
	if op.Payload != nil {
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	grouped := map[string][]string{}
	var order []string
	for _, a := range op.Attachments {
		if a.URL == "" {
			continue
		}
		field := a.Field
		if field == "" {
			field = "attachments"
		}
		if _, seen := grouped[field]; !seen {
			order = append(order, field)
		}
		grouped[field] = append(grouped[field], a.URL)
	}
	for _, field := range order {
		urls := grouped[field]
		if len(urls) == 1 {
			doc[field] = urls[0]
			continue
		}
		list := make([]any, len(urls))
		for i, u := range urls {
			list[i] = u
		}
		doc[field] = list
	}
	return doc, nil
}
