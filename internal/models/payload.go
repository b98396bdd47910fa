package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Payload is the kind-specific body of a queued operation.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Report is a hazard report submitted from the field.
type Report struct {
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	HazardType      string  `json:"hazard_type"`
	Severity        string  `json:"severity,omitempty"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	Address         string  `json:"address,omitempty"`
	ReporterName    string  `json:"reporter_name,omitempty"`
	ReporterContact string  `json:"reporter_contact,omitempty"`
}

func (Report) Kind() Kind { return KindReport }

func (r Report) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("report title is required")
	}
	if strings.TrimSpace(r.HazardType) == "" {
		return errors.New("report hazard_type is required")
	}
	switch r.Severity {
	case "", "low", "moderate", "high", "critical":
	default:
		return fmt.Errorf("report severity %q is not one of low, moderate, high, critical", r.Severity)
	}
	if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("report coordinates out of range (%f, %f)", r.Latitude, r.Longitude)
	}
	return nil
}

// Donation pledges money or goods.
type Donation struct {
	DonorName string   `json:"donor_name"`
	Amount    float64  `json:"amount,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Items     []string `json:"items,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (Donation) Kind() Kind { return KindDonation }

func (d Donation) Validate() error {
	if strings.TrimSpace(d.DonorName) == "" {
		return errors.New("donation donor_name is required")
	}
	if d.Amount < 0 {
		return errors.New("donation amount cannot be negative")
	}
	if d.Amount == 0 && len(d.Items) == 0 {
		return errors.New("donation needs an amount or items")
	}
	if d.Amount > 0 && d.Currency == "" {
		return errors.New("donation currency is required with an amount")
	}
	return nil
}

// VolunteerRegistration signs a person up for relief work.
type VolunteerRegistration struct {
	Name         string   `json:"name"`
	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	Availability string   `json:"availability,omitempty"`
	Region       string   `json:"region,omitempty"`
}

func (VolunteerRegistration) Kind() Kind { return KindVolunteerRegistration }

func (v VolunteerRegistration) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return errors.New("volunteer name is required")
	}
	if v.Email == "" && v.Phone == "" {
		return errors.New("volunteer needs an email or phone")
	}
	return nil
}

// Contact is a message to the operations team.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

func (Contact) Kind() Kind { return KindContact }

func (c Contact) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("contact name is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		return errors.New("contact message is required")
	}
	return nil
}

// Drill records a preparedness exercise.
type Drill struct {
	Title        string    `json:"title"`
	DrillType    string    `json:"drill_type,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Location     string    `json:"location,omitempty"`
	Participants int       `json:"participants,omitempty"`
}

func (Drill) Kind() Kind { return KindDrill }

func (d Drill) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("drill title is required")
	}
	if d.ScheduledAt.IsZero() {
		return errors.New("drill scheduled_at is required")
	}
	if d.Participants < 0 {
		return errors.New("drill participants cannot be negative")
	}
	return nil
}

// Generic carries an untyped document for writes without a dedicated shape.
type Generic map[string]any

func (Generic) Kind() Kind { return KindGeneric }

func (Generic) Validate() error { return nil }

// Unparsed holds a stored payload that no longer decodes into its kind's shape,
// for example one written by a newer agent. It is written back and delivered
// unchanged.
type Unparsed struct {
	kind Kind
	raw  json.RawMessage
}

func (u Unparsed) Kind() Kind { return u.kind }

func (u Unparsed) Validate() error {
	return fmt.Errorf("%s payload does not match its schema", u.kind)
}

// MarshalJSON returns the payload as it was read.
func (u Unparsed) MarshalJSON() ([]byte, error) {
	if len(u.raw) == 0 {
		return []byte("null"), nil
	}
	return u.raw, nil
}

// DecodePayload decodes raw into the payload type registered for kind. Unknown
// kinds decode as Generic so records from a newer agent are kept, not dropped.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Generic{}, nil
	}
	switch kind {
	case KindReport:
		return decodeAs[Report](raw)
	case KindDonation:
		return decodeAs[Donation](raw)
	case KindVolunteerRegistration:
		return decodeAs[VolunteerRegistration](raw)
	case KindContact:
		return decodeAs[Contact](raw)
	case KindDrill:
		return decodeAs[Drill](raw)
	default:
		return decodeAs[Generic](raw)
	}
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", v.Kind(), err)
	}
	return v, nil
}

func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case Donation:
		v.Items = slices.Clone(v.Items)
		return v
	case VolunteerRegistration:
		v.Skills = slices.Clone(v.Skills)
		return v
	case Generic:
		return Generic(cloneMap(v))
	case Unparsed:
		v.raw = slices.Clone(v.raw)
		return v
	default:
		return p
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
