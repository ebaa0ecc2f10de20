package domain

import "time"

// Record is a feature row: a native model instance or a collection UDF row.
type Record struct {
	InstanceID    int64            `json:"instance_id"`
	Model         ModelKind        `json:"model"`
	ID            int64            `json:"id"`
	OwnerID       int64            `json:"owner_id,omitempty"`
	Values        map[string]Value `json:"values"`
	Held          bool             `json:"held,omitempty"`
	PendingDelete bool             `json:"pending_delete,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (r Record) IsNew() bool { return r.ID == 0 }

// Value returns the stored value of field, null when unset.
func (r Record) Value(field string) Value {
	if field == FieldID {
		if r.ID == 0 {
			return Null()
		}
		return Int(r.ID)
	}
	return r.Values[field]
}

// Set stores v for field, dropping the key when v is null.
func (r *Record) Set(field string, v Value) {
	if r.Values == nil {
		r.Values = make(map[string]Value)
	}
	if v.IsNull() {
		delete(r.Values, field)
		return
	}
	r.Values[field] = v
}

func (r Record) Clone() Record {
	out := r
	out.Values = make(map[string]Value, len(r.Values))
	for k, v := range r.Values {
		out.Values[k] = v
	}
	return out
}

// Snapshot returns the canonical strings of every stored field.
func (r Record) Snapshot() map[string]*string {
	out := make(map[string]*string, len(r.Values))
	for k, v := range r.Values {
		if c := v.Canonical(); c != nil {
			out[k] = c
		}
	}
	return out
}

type Checkpoint struct {
	Key       string    `json:"key"`
	Next      int       `json:"next"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Checkpoint) Validate() error {
	return ValidateKey(c.Key)
}
