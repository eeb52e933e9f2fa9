package common

// LogBackend is the per-node log facade. Implementations write through
// the shared WAL (or stay fully in memory for tests) and resolve reads
// against recent in-memory tables before falling back to flushed
// segments.
type LogBackend interface {
	// Append writes entry at its index. A truncating append replaces
	// everything at and after entry.Index.
	Append(entry LogEntry, truncate bool) error
	// Take returns entries in [from, to], inclusive, possibly fewer if
	// the range runs past the end of the log.
	Take(from, to Index) ([]LogEntry, error)
	// FetchTerm returns the term of the entry at idx, or ErrNoEntry.
	FetchTerm(idx Index) (Term, error)
	// LastIndexTerm is the last appended (not necessarily durable)
	// position.
	LastIndexTerm() (Index, Term)
	// LastWritten is the last position acknowledged durable by the WAL.
	LastWritten() (Index, Term)
	NextIndex() Index
	Exists(idx Index, term Term) bool

	WriteSnapshot(snap Snapshot) error
	ReadSnapshot() (*Snapshot, error)
	SnapshotIndexTerm() (Index, Term)

	// HandleEvent folds a WAL event (WrittenEvent, ResendWriteEvent)
	// into the facade's view of durability.
	HandleEvent(msg Message) error

	UpdateReleaseCursor(idx Index) error

	WriteMeta(key string, value []byte) error
	ReadMeta(key string) ([]byte, error)
	SyncMeta() error

	Close() error
}

// WalSink is the process-wide append sink shared by co-located nodes.
type WalSink interface {
	// Append enqueues a record; the ack arrives later as a
	// WrittenEvent on the writer's delivery function. Returns
	// ErrWalDown if the sink is gone.
	Append(writer NodeID, entry LogEntry) error
	// TruncateWrite is Append plus the instruction that all records at
	// and after entry.Index for this writer are replaced.
	TruncateWrite(writer NodeID, entry LogEntry) error
	// ForceRollOver closes the current file and opens a new one.
	// Testing aid.
	ForceRollOver() error
}

// SegmentWriter is the collaborator that turns closed in-memory tables
// into on-disk segments. The WAL hands it table sets at rollover and
// recovery.
type SegmentWriter interface {
	// Ready blocks until the writer can accept tables.
	Ready() error
	// Accept takes ownership of the closed tables originating from the
	// named WAL file.
	Accept(walFile string, tables []ClosedTableRef) error
}

// ClosedTableRef names one closed memtable for the segment writer.
type ClosedTableRef struct {
	Writer NodeID
	Seq    uint64
	First  Index
	Last   Index
}

// ApplyFn folds a committed command into the machine state. The
// three-argument form is canonical; two-argument user functions are
// normalised at wrap time.
type ApplyFn func(idx Index, cmd []byte, machineState interface{}) ApplyResult

// ApplyResult is what an apply function may return: the new state plus
// optional effects to append to the node's own.
type ApplyResult struct {
	State       interface{}
	Reply       interface{}
	SideEffects []Effect
}

// WrapApply normalises a two-argument apply function to ApplyFn.
func WrapApply(fn func(cmd []byte, machineState interface{}) ApplyResult) ApplyFn {
	return func(_ Index, cmd []byte, machineState interface{}) ApplyResult {
		return fn(cmd, machineState)
	}
}

// RPCServer is the interface a node exposes to other Raft servers and
// clients.
type RPCServer interface {
	GetID() NodeID
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
	RequestVote(args *RequestVoteRPC, result *RequestVoteRPCResult) error
	AppendEntries(args *AppendEntriesRPC, result *AppendEntriesRPCResult) error
	InstallSnapshot(args *InstallSnapshotRPC, result *InstallSnapshotRPCResult) error
}

// RPCManager abstracts away RPC handling from RPC servers
type RPCManager interface {
	// Start is a blocking call.
	// It starts the RPC server at the given address and blocks until
	// Stop is called, then returns nil.
	// Start only returns error if it fails to start the server.
	Start(address ServerAddress, server RPCServer) error
	ConnectToPeer(address ServerAddress, id NodeID) (RPCServer, error)
	// Stop the RPCManager (permanent)
	Stop() error
}

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

// Server pairs a node id with its network address.
type Server struct {
	ID         NodeID
	NetAddress ServerAddress
}
