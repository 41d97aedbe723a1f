package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecipientSeparator joins recipients in the stored recipient column.
const RecipientSeparator = ","

// ScheduledMessage is the durable record behind a delayed send.
type ScheduledMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"` // external handle of the owning session
	Message   string    `json:"message"`    // template, may contain {{field}} placeholders
	SendAt    time.Time `json:"send_at"`
	Recipient string    `json:"recipient"` // comma delimited
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"created_at"`
}

// Recipients splits the stored recipient column, dropping blanks.
func (m *ScheduledMessage) Recipients() []Recipient {
	var out []Recipient
	for _, p := range strings.Split(m.Recipient, RecipientSeparator) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Recipient{Phone: p})
	}
	return out
}

// Batch returns the record as a single dispatch batch.
func (m *ScheduledMessage) Batch() Batch {
	return Batch{Message: m.Message, Numbers: m.Recipients()}
}

// Batch is one template sent to an ordered list of recipients.
type Batch struct {
	Message string      `json:"message"`
	Numbers []Recipient `json:"numbers"`
}

// Recipient is either a bare phone number or a contact record whose fields
// feed template substitution. On the wire it is a JSON string or object.
type Recipient struct {
	Phone   string
	Contact map[string]string
}

// IsContact reports whether the recipient carries contact fields.
func (r Recipient) IsContact() bool {
	return r.Contact != nil
}

func (r Recipient) MarshalJSON() ([]byte, error) {
	if r.Contact == nil {
		return json.Marshal(r.Phone)
	}
	out := make(map[string]string, len(r.Contact)+1)
	for k, v := range r.Contact {
		out[k] = v
	}
	out["phone"] = r.Phone
	return json.Marshal(out)
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty recipient")
	}

	switch data[0] {
	case '"':
		var phone string
		if err := json.Unmarshal(data, &phone); err != nil {
			return err
		}
		*r = Recipient{Phone: phone}
		return nil
	case '{':
		// numbers keep their literal digits, float64 would print long phone
		// numbers in exponent form
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()

		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		contact := make(map[string]string, len(raw))
		for k, v := range raw {
			switch tv := v.(type) {
			case nil:
				contact[k] = ""
			case string:
				contact[k] = tv
			case json.Number:
				contact[k] = tv.String()
			case bool:
				contact[k] = strconv.FormatBool(tv)
			default:
				nested, err := json.Marshal(tv)
				if err != nil {
					return fmt.Errorf("contact field %s: %w", k, err)
				}
				contact[k] = string(nested)
			}
		}
		*r = Recipient{Phone: contact["phone"], Contact: contact}
		return nil
	default:
		// numbers sent without quotes are still phone numbers
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("recipient must be a string or an object: %w", err)
		}
		*r = Recipient{Phone: n.String()}
		return nil
	}
}
