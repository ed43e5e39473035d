package group

// CommitLogEntry is one row in either the local_commit_log or
// remote_commit_log table.
type CommitLogEntry struct {
	CommitSequenceID      uint64
	EpochAuthenticator    []byte
	Result                CommitResult
}

// CommitResult is the outcome the source records for a commit attempt.
type CommitResult int

const (
	ResultSuccess CommitResult = iota
	ResultInvalid
)

// ForkStatus is a sticky tri-state: unknown until the worker has run at
// least once, then true or false. Once true it stays true until an
// explicit recovery (§4.6.5).
type ForkStatus struct {
	Known bool
	Value bool
}

// DetectFork compares the local and remote commit logs for a group and
// returns the new fork status. A fork exists when, for the same
// commit_sequence_id, the epoch authenticator differs, or when the
// remote result is Invalid but the local result is Success.
func DetectFork(previous ForkStatus, local, remote []CommitLogEntry) ForkStatus {
	if previous.Known && previous.Value {
		return previous
	}

	remoteBySeq := make(map[uint64]CommitLogEntry, len(remote))
	for _, r := range remote {
		remoteBySeq[r.CommitSequenceID] = r
	}

	for _, l := range local {
		r, ok := remoteBySeq[l.CommitSequenceID]
		if !ok {
			continue
		}

		if !bytesEqual(l.EpochAuthenticator, r.EpochAuthenticator) {
			return ForkStatus{Known: true, Value: true}
		}

		if r.Result == ResultInvalid && l.Result == ResultSuccess {
			return ForkStatus{Known: true, Value: true}
		}
	}

	return ForkStatus{Known: true, Value: false}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
