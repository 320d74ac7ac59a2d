// Package checkpoint persists per-epoch training records.
//
// Two sinks are provided: FileStore writes JSON files into a results
// directory (the latest record as checkpoint.json and the best one as
// model_best.json), BadgerStore keeps both records in a BadgerDB.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfluke/multibit/nn"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Record is the state written once per epoch. Epoch is the number of
// completed epochs, so a resumed run starts at Epoch.
type Record struct {
	Epoch     int               `json:"epoch"`
	Model     string            `json:"model"`
	StateDict nn.StateDict      `json:"state_dict"`
	BestPrec1 *float64          `json:"best_prec1"`
	Optimizer nn.OptimizerState `json:"optimizer"`
	RunID     string            `json:"run_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Which selects one of the two stored records.
type Which string

const (
	Latest Which = "latest"
	Best   Which = "best"
)

// Marshal encodes rec as JSON.
func Marshal(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil checkpoint record")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a JSON record.
func Unmarshal(b []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if rec.Epoch < 0 {
		return nil, fmt.Errorf("decode checkpoint: negative epoch %d", rec.Epoch)
	}
	return &rec, nil
}
