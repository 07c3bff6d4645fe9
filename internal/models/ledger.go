package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// LedgerEntry is one cycle outcome. Rows are inserted once and never updated.
type LedgerEntry struct {
	ID        string    `gorm:"primarykey;type:varchar(36)" json:"id"`
	CycleID   string    `gorm:"column:cycle_id;type:varchar(36);not null" json:"cycle_id"`
	Pair      string    `gorm:"column:pair;type:varchar(40);not null;index:idx_ledger_pair_ts,priority:1" json:"pair"`
	Action    string    `gorm:"column:action;type:varchar(8);not null" json:"action"`
	Status    string    `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Reason    string    `gorm:"column:reason;type:text;not null" json:"reason"`
	Signature string    `gorm:"column:signature;type:varchar(100)" json:"signature"`
	Attempts  int       `gorm:"column:attempts;not null" json:"attempts"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_ledger_pair_ts,priority:2" json:"timestamp"`
	Payload   JSONBlob  `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// LedgerResolution settles an UNKNOWN entry. EntryID is the primary key, so
// an entry can be resolved at most once.
type LedgerResolution struct {
	EntryID    string    `gorm:"primarykey;column:entry_id;type:varchar(36)" json:"entry_id"`
	Pair       string    `gorm:"column:pair;type:varchar(40);not null;index" json:"pair"`
	Status     string    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Reason     string    `gorm:"column:reason;type:text;not null" json:"reason"`
	Signature  string    `gorm:"column:signature;type:varchar(100);not null" json:"signature"`
	ResolvedAt time.Time `gorm:"column:resolved_at;not null" json:"resolved_at"`
	Payload    JSONBlob  `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (LedgerResolution) TableName() string {
	return "ledger_resolutions"
}

// JSONBlob stores a raw JSON document in a jsonb column.
type JSONBlob json.RawMessage

// Value implements driver.Valuer.
func (j JSONBlob) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, errors.New("jsonb payload is not valid json")
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONBlob) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONBlob(v)
	default:
		return errors.New("jsonb payload: unsupported source type")
	}
	return nil
}

// MarshalJSON emits the stored document as-is.
func (j JSONBlob) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores a copy of data.
func (j *JSONBlob) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}
