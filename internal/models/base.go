// Package models defines the persisted job record and the error taxonomy
// shared by the transcoding pipeline.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID identifies a job. IDs sort by creation time, which the staging
// layout and the redis active set rely on.
type ULID ulid.ULID

// NewULID returns a fresh, monotonically increasing ID. Safe for
// concurrent use.
func NewULID() ULID {
	return ULID(ulid.Make())
}

// ParseULID parses the canonical 26 character form.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// Time is the creation time encoded in the ID.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

// IsZero reports whether the ID is unset.
func (u ULID) IsZero() bool {
	return ulid.ULID(u) == ulid.ULID{}
}

// MarshalText renders the ID for JSON bodies and redis hash fields.
func (u ULID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText accepts the canonical form; empty input yields the zero ID.
func (u *ULID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = ULID{}
		return nil
	}
	id, err := ParseULID(string(b))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// Value stores the ID as text; the zero ID is NULL.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan reads an ID written by Value.
func (u *ULID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.UnmarshalText([]byte(v))
	case []byte:
		return u.UnmarshalText(v)
	default:
		return fmt.Errorf("scanning ULID: unsupported type %T", value)
	}
}

// GormDataType keeps the column fixed width across sqlite, postgres and mysql.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel carries the ID and bookkeeping timestamps of a persisted row.
type BaseModel struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate assigns an ID to rows created without one.
func (b *BaseModel) BeforeCreate(_ *gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}
