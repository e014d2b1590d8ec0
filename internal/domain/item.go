package domain

import (
	"fmt"
	"time"
)

// State is a pipeline item state.
type State string

const (
	StateAdmitted   State = "admitted"
	StateFetching   State = "fetching"
	StateFetched    State = "fetched"
	StateSplitting  State = "splitting"
	StateSplit      State = "split"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

var transitions = map[State][]State{
	StateAdmitted:   {StateFetching, StateFailed},
	StateFetching:   {StateFetched, StateRetrying, StateFailed},
	StateFetched:    {StateSplitting, StateFailed},
	StateSplitting:  {StateSplit, StateRetrying, StateFailed},
	StateSplit:      {StatePublishing, StateFailed},
	StatePublishing: {StatePublished, StateRetrying, StateFailed},
	StateRetrying:   {StateFetching, StateSplitting, StatePublishing, StateFailed},
}

// Transition records one state change of a pipeline item.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Stage State     `json:"stage,omitempty"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// ClipOutcome is the publish result for one clip.
type ClipOutcome struct {
	ClipIndex int       `json:"clip_index" db:"clip_index"`
	Published bool      `json:"published" db:"published"`
	Receipt   *Receipt  `json:"receipt,omitempty"`
	Error     string    `json:"error,omitempty" db:"error"`
	Attempts  int       `json:"attempts" db:"attempts"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PipelineItem tracks one video through fetch, split and publish. It is owned
// by the worker processing it and must not be shared.
type PipelineItem struct {
	ID           string
	Event        DiscoveryEvent
	State        State
	Stage        State // stage for Retrying and Failed
	Reason       string
	ErrorKind    ErrorKind
	Attempts     int
	ArtifactPath string
	Clips        []Clip
	Outcomes     []ClipOutcome
	History      []Transition
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewPipelineItem(id string, event DiscoveryEvent) *PipelineItem {
	now := time.Now().UTC()
	return &PipelineItem{
		ID:        id,
		Event:     event,
		State:     StateAdmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the item to the next state, rejecting moves the state
// machine does not allow. Leaving Retrying is only allowed back into the
// stage that failed.
func (i *PipelineItem) Transition(to State, note string) error {
	if !allowed(i.State, to) {
		return fmt.Errorf("illegal transition %s -> %s", i.State, to)
	}
	if i.State == StateRetrying && to != StateFailed && to != i.Stage {
		return fmt.Errorf("illegal transition %s(%s) -> %s", i.State, i.Stage, to)
	}

	from := i.State
	switch to {
	case StateFetching, StateSplitting, StatePublishing:
		if from != StateRetrying {
			i.Attempts = 0
		}
		i.Stage = to
	case StateRetrying:
		i.Stage = from
	}

	now := time.Now().UTC()
	i.History = append(i.History, Transition{From: from, To: to, Stage: i.Stage, At: now, Note: note})
	i.State = to
	i.UpdatedAt = now
	return nil
}

// Fail moves the item to Failed for the given stage.
func (i *PipelineItem) Fail(stage State, kind ErrorKind, reason string) {
	now := time.Now().UTC()
	i.History = append(i.History, Transition{From: i.State, To: StateFailed, Stage: stage, At: now, Note: reason})
	i.State = StateFailed
	i.Stage = stage
	i.ErrorKind = kind
	i.Reason = reason
	i.UpdatedAt = now
}

// PublishedClips counts clips with a successful receipt.
func (i *PipelineItem) PublishedClips() int {
	n := 0
	for _, o := range i.Outcomes {
		if o.Published {
			n++
		}
	}
	return n
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
