package protocol

// Change is one column-level mutation. The origin site is not part of the
// tuple; the receiver attributes it to the batch sender.
type Change struct {
	Table      string
	PKs        string
	CID        string
	Value      *string
	ColVersion int64
	DBVersion  int64
}

// LastSeen pairs a peer with the watermark recorded for it.
type LastSeen struct {
	Site SiteID
	Seq  Seq
}

// StringValue wraps a value for use in a Change.
func StringValue(value string) *string {
	return &value
}
