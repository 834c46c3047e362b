package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a JSON object column. It is written as text so the same schema
// works on postgres (jsonb accepts text input) and sqlite.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// ControlAudit records one control command, applied or rejected.
type ControlAudit struct {
	ID          uuid.UUID `db:"id"`
	TenantID    uuid.UUID `db:"tenant_id"`
	ProcessID   string    `db:"process_id"`
	Kind        string    `db:"kind"`
	Verb        string    `db:"verb"`
	Result      string    `db:"result"`
	Status      string    `db:"status"`
	Reason      string    `db:"reason"`
	RequestedBy string    `db:"requested_by"`
	Details     JSONB     `db:"details"`
	CreatedAt   time.Time `db:"created_at"`
}
