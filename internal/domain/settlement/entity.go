package settlement

import (
	"encoding/json"
	"strings"
	"time"

	"marketsim/pkg/errors"
)

// EntryKey is the structured identification code of a ledger entry.
// Book settlements leave Ref empty so later upserts overwrite the same key.
type EntryKey struct {
	Subject string
	Kind    Kind
	Ref     string
}

// String renders the key as subject:kind[:ref]
func (k EntryKey) String() string {
	if k.Ref == "" {
		return k.Subject + ":" + string(k.Kind)
	}
	return k.Subject + ":" + string(k.Kind) + ":" + k.Ref
}

// ParseEntryKey parses a rendered key. Subjects must not contain ':'.
func ParseEntryKey(s string) (EntryKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return EntryKey{}, errors.NewValidationError("identification_code", "expected subject:kind[:ref]", s)
	}
	key := EntryKey{Subject: parts[0], Kind: Kind(parts[1])}
	if !key.Kind.Valid() {
		return EntryKey{}, errors.NewValidationError("identification_code", "unknown kind", s)
	}
	if len(parts) == 3 {
		if parts[2] == "" {
			return EntryKey{}, errors.NewValidationError("identification_code", "empty ref", s)
		}
		key.Ref = parts[2]
	}
	return key, nil
}

// Entry is one persisted deferred obligation
type Entry struct {
	ID         string
	Subject    string
	Obligation Obligation
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Kind returns the obligation kind
func (e *Entry) Kind() Kind {
	if e.Obligation == nil {
		return ""
	}
	return e.Obligation.Kind()
}

// Validate checks the entry before it is persisted. Identification codes
// are opaque unless they parse as subject:kind[:ref], in which case the
// subject and kind must agree with the entry.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return errors.NewValidationError("identification_code", "required", e.ID)
	}
	if e.Subject == "" {
		return errors.NewValidationError("subject", "required", e.Subject)
	}
	if e.Obligation == nil {
		return errors.NewValidationError("command", "required", nil)
	}
	if key, err := ParseEntryKey(e.ID); err == nil {
		if key.Subject != e.Subject {
			return errors.NewValidationError("identification_code", "subject does not match entry subject "+e.Subject, e.ID)
		}
		if key.Kind != e.Kind() {
			return errors.NewValidationError("identification_code", "kind does not match command kind "+string(e.Kind()), e.ID)
		}
	}
	return e.Obligation.Validate()
}

type entryRecord struct {
	ID        string          `json:"identification_code"`
	Subject   string          `json:"subject"`
	Command   json.RawMessage `json:"command"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON writes the flat {identification_code, subject, command} record
func (e Entry) MarshalJSON() ([]byte, error) {
	command, err := EncodeObligation(e.Obligation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryRecord{
		ID:        e.ID,
		Subject:   e.Subject,
		Command:   command,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	})
}

// UnmarshalJSON reads the flat record form
func (e *Entry) UnmarshalJSON(data []byte) error {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	obligation, err := DecodeObligation(rec.Command)
	if err != nil {
		return errors.Wrapf(err, "entry %s", rec.ID)
	}
	*e = Entry{
		ID:         rec.ID,
		Subject:    rec.Subject,
		Obligation: obligation,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	return nil
}

// State is the in-memory lifecycle of a ledger entry
type State string

const (
	StatePending    State = "pending"    // persisted, no live timer
	StateArmed      State = "armed"      // timer scheduled or registered for expiration
	StateFired      State = "fired"      // handler running
	StateDischarged State = "discharged" // removed from the ledger
)

// Result summarizes the monetary effect of one settlement
type Result struct {
	EntryID string
	Subject string
	Kind    Kind
	Amount  string // signed balance delta, decimal string
}
