package core

// SourceDescriptor identifies a data source to create for a generation.
type SourceDescriptor struct {
	Database  string
	TableName string
	Partition PartitionID
	SiteID    int64
	Signature string
	Epoch     int64
	Columns   []Column
	Directory string
}

// Column describes one exported column.
type Column struct {
	Name string
	Type string
}

// DrainListener is notified when a data source has no further data to
// export and everything it held has been acknowledged.
type DrainListener interface {
	SourceDrained(partition PartitionID, signature string)
}

// DataSource is a durable, ordered queue of export buffers for one
// (partition, table signature) pair within a generation.
//
// Push, Ack and SizeInBytes are expected to be cheap. Truncation and the
// close variants may do disk work and report completion through a Future.
type DataSource interface {
	PartitionID() PartitionID
	Signature() string
	TableName() string

	// Push appends buf, which starts at stream offset uso. endOfStream marks
	// the last buffer the source will ever receive.
	Push(uso uint64, buf []byte, sync bool, endOfStream bool) error
	// Ack releases every buffer whose starting offset is at or before uso:
	// an ack names the last buffer the consumer has committed.
	Ack(uso uint64)
	SizeInBytes() uint64

	TruncateToTxn(txn TxnID) *Future
	Close() *Future
	CloseAndDelete() *Future
}
