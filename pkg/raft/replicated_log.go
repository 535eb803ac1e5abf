package raft

import "fmt"

// ReplicatedLog is the in-memory view of the log. Entries below the snapshot
// index have been compacted away and are represented only by the index and
// term of the last entry included in the snapshot.
//
// The i-th entry always has the index snapshotIndex+1+i.
type ReplicatedLog struct {
	snapshotIndex LogIndex
	snapshotTerm  Term

	entries []LogEntry
}

func NewReplicatedLog() *ReplicatedLog {
	return &ReplicatedLog{}
}

func (l *ReplicatedLog) SnapshotIndex() LogIndex {
	return l.snapshotIndex
}

func (l *ReplicatedLog) SnapshotTerm() Term {
	return l.snapshotTerm
}

func (l *ReplicatedLog) FirstIndex() LogIndex {
	return l.snapshotIndex + 1
}

func (l *ReplicatedLog) LastIndex() LogIndex {
	return l.snapshotIndex + LogIndex(len(l.entries))
}

func (l *ReplicatedLog) LastTerm() Term {
	nbEntries := len(l.entries)

	if nbEntries == 0 {
		return l.snapshotTerm
	}

	return l.entries[nbEntries-1].Term
}

func (l *ReplicatedLog) Len() int {
	return len(l.entries)
}

func (l *ReplicatedLog) Entry(index LogIndex) (*LogEntry, bool) {
	if index <= l.snapshotIndex || index > l.LastIndex() {
		return nil, false
	}

	return &l.entries[index-l.snapshotIndex-1], true
}

// Term returns the term of the entry at a given index. The index of the last
// compacted entry is valid and yields the snapshot term; index 0 always has
// term 0.
func (l *ReplicatedLog) Term(index LogIndex) (Term, bool) {
	switch {
	case index == l.snapshotIndex:
		return l.snapshotTerm, true
	case index < l.snapshotIndex || index > l.LastIndex():
		return 0, false
	default:
		return l.entries[index-l.snapshotIndex-1].Term, true
	}
}

// Append adds entries at the tail of the log. Each entry must have the index
// following the last one.
func (l *ReplicatedLog) Append(entries ...LogEntry) error {
	next := l.LastIndex() + 1

	for _, entry := range entries {
		if entry.Index != next {
			return fmt.Errorf("%w: cannot append entry %d after entry %d",
				ErrNonContiguousEntry, entry.Index, next-1)
		}

		if entry.Term < l.LastTerm() {
			return fmt.Errorf("%w: entry %d has term %d lower than previous "+
				"term %d", ErrNonContiguousEntry, entry.Index, entry.Term,
				l.LastTerm())
		}

		l.entries = append(l.entries, entry)
		next++
	}

	return nil
}

// TruncateFrom removes all entries starting at a given index.
func (l *ReplicatedLog) TruncateFrom(index LogIndex) error {
	if index <= l.snapshotIndex {
		return fmt.Errorf("%w: cannot truncate from index %d (snapshot "+
			"index: %d)", ErrCompacted, index, l.snapshotIndex)
	}

	if index > l.LastIndex() {
		return nil
	}

	offset := index - l.snapshotIndex - 1

	for i := offset; i < LogIndex(len(l.entries)); i++ {
		l.entries[i] = LogEntry{}
	}

	l.entries = l.entries[:offset]

	return nil
}

// CompactTo drops all entries up to and including a given index. If the index
// is past the end of the log, the log is reset.
func (l *ReplicatedLog) CompactTo(index LogIndex, term Term) {
	if index <= l.snapshotIndex {
		return
	}

	if index >= l.LastIndex() {
		l.Reset(index, term)
		return
	}

	offset := index - l.snapshotIndex

	entries := make([]LogEntry, LogIndex(len(l.entries))-offset)
	copy(entries, l.entries[offset:])

	l.entries = entries
	l.snapshotIndex = index
	l.snapshotTerm = term
}

// Reset removes all entries and makes the log start after a snapshot.
func (l *ReplicatedLog) Reset(index LogIndex, term Term) {
	l.entries = nil
	l.snapshotIndex = index
	l.snapshotTerm = term
}

// Slice returns a copy of at most maxEntries entries in the [from, to]
// interval. A maxEntries value of 0 means no limit.
func (l *ReplicatedLog) Slice(from, to LogIndex, maxEntries int) []LogEntry {
	from = maxIndex(from, l.FirstIndex())
	to = minIndex(to, l.LastIndex())

	if from > to {
		return nil
	}

	if maxEntries > 0 && to-from+1 > LogIndex(maxEntries) {
		to = from + LogIndex(maxEntries) - 1
	}

	start := from - l.snapshotIndex - 1
	end := to - l.snapshotIndex

	entries := make([]LogEntry, end-start)
	copy(entries, l.entries[start:end])

	return entries
}

// FirstIndexOfTerm returns the index of the first retained entry with a given
// term.
func (l *ReplicatedLog) FirstIndexOfTerm(term Term) (LogIndex, bool) {
	for i, entry := range l.entries {
		if entry.Term == term {
			return l.snapshotIndex + 1 + LogIndex(i), true
		} else if entry.Term > term {
			break
		}
	}

	return 0, false
}

// LastIndexOfTerm returns the index of the last retained entry with a given
// term.
func (l *ReplicatedLog) LastIndexOfTerm(term Term) (LogIndex, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]

		if entry.Term == term {
			return l.snapshotIndex + 1 + LogIndex(i), true
		} else if entry.Term < term {
			break
		}
	}

	return 0, false
}

// IsUpToDate reports whether a log ending with a given term and index is at
// least as up-to-date as this log.
func (l *ReplicatedLog) IsUpToDate(lastIndex LogIndex, lastTerm Term) bool {
	ourTerm := l.LastTerm()

	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}

	return lastIndex >= l.LastIndex()
}
