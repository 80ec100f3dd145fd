package crdt

import (
	"encoding/json"
	"fmt"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpFlag   OpType = "flag"
)

// Op is the replicated unit broadcast between peers. Insert carries the new
// characters in document order, delete the IDs of the removed ones, flag a
// last-writer-wins register write.
type Op struct {
	Type    OpType `json:"type"`
	Chars   []Char `json:"chars,omitempty"`
	Targets []ID   `json:"targets,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Stamp   ID     `json:"stamp,omitempty"`
}

// Empty reports whether the op carries no effect and can be skipped.
func (op Op) Empty() bool {
	switch op.Type {
	case OpInsert:
		return len(op.Chars) == 0
	case OpDelete:
		return len(op.Targets) == 0
	case OpFlag:
		return op.Key == ""
	default:
		return true
	}
}

// maxClock returns the largest clock referenced by the op, for Lamport
// bookkeeping on receipt.
func (op Op) maxClock() uint64 {
	var max uint64
	for _, c := range op.Chars {
		if c.ID.Clock > max {
			max = c.ID.Clock
		}
	}
	for _, t := range op.Targets {
		if t.Clock > max {
			max = t.Clock
		}
	}
	if op.Stamp.Clock > max {
		max = op.Stamp.Clock
	}
	return max
}

// EncodeOp serializes an op for the wire.
func EncodeOp(op Op) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode op: %w", err)
	}
	return data, nil
}

// DecodeOp parses a wire op.
func DecodeOp(data []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("decode op: %w", err)
	}
	return op, nil
}
