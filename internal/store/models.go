package store

// OpRecord is one persisted document op with its log sequence.
type OpRecord struct {
	Seq  int64
	Data []byte
}
