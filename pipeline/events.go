package pipeline

import (
	"fmt"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
)

// EventKind is the lifecycle stage an event reports.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
)

func (kind EventKind) String() string {
	switch kind {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(kind))
	}
}

// Event is one lifecycle notification of a transfer. Exactly one summarizing
// Completed or Failed event is emitted per file revision; Progress events may
// come many times in between. Failed events carry the most specific failure
// reason available, aggregated across blocks.
type Event struct {
	Kind       EventKind
	UserId     string
	LinkId     string
	RevisionId string

	// TransferredBytes is cumulative for the whole file, set on Progress.
	TransferredBytes int64

	Reason *utils.SerializableError
}

// Subscriber receives lifecycle events. Implementations must not block; the
// pipeline calls them inline from worker goroutines.
type Subscriber interface {
	OnTransferEvent(event Event)
}

type nopSubscriber struct{}

func (nopSubscriber) OnTransferEvent(Event) {}
