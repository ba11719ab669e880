package models

import "time"

// Action reported by SyncStatus
type Action int

const (
	ActionNone Action = iota
	ActionBackup
	ActionRestore
)

func (a Action) String() string {
	switch a {
	case ActionBackup:
		return "backup"
	case ActionRestore:
		return "restore"
	default:
		return "none"
	}
}

// ActionOf maps a job kind to the action it reports.
func ActionOf(kind JobKind) Action {
	switch kind {
	case JobBackup:
		return ActionBackup
	case JobRestore:
		return ActionRestore
	default:
		return ActionNone
	}
}

// SyncStatus is the process-wide synchronization state. Success is nil
// while nothing has finished yet or a job is in progress.
type SyncStatus struct {
	InProgress bool
	Action     Action
	Success    *bool
}

// Phase of a sync job as seen by status subscribers
type Phase int

const (
	PhaseStarted Phase = iota + 1
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is published on the status bus for every job transition.
type Event struct {
	Kind  JobKind
	Phase Phase
	Err   error
	At    time.Time
}

// Started returns the event emitted when a job of the given kind begins.
func Started(kind JobKind) Event {
	return Event{Kind: kind, Phase: PhaseStarted, At: time.Now()}
}

// Finished returns the succeeded or failed event for kind depending on err.
func Finished(kind JobKind, err error) Event {
	if err != nil {
		return Event{Kind: kind, Phase: PhaseFailed, Err: err, At: time.Now()}
	}
	return Event{Kind: kind, Phase: PhaseSucceeded, At: time.Now()}
}

// Terminal reports whether the event ends a job.
func (e Event) Terminal() bool {
	return e.Phase == PhaseSucceeded || e.Phase == PhaseFailed
}

// Status derives the SyncStatus that holds after the event.
func (e Event) Status() SyncStatus {
	st := SyncStatus{Action: ActionOf(e.Kind)}
	switch e.Phase {
	case PhaseStarted:
		st.InProgress = true
	case PhaseSucceeded:
		ok := true
		st.Success = &ok
	case PhaseFailed:
		ok := false
		st.Success = &ok
	}
	return st
}
