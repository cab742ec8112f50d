package node

import (
	"errors"

	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fixed"
	"github.com/fleetkor/fleetkor/internal/fleet"
)

var (
	// ErrTaskTableFull rejects registration past the slot bound.
	ErrTaskTableFull = errors.New("node: task table full")
	// ErrUnknownTask rejects an id that was never registered.
	ErrUnknownTask = errors.New("node: unknown task")
	// ErrNilTask rejects a registration without a function.
	ErrNilTask = errors.New("node: nil task function")
)

// MaxTasks bounds the per-node registry.
const MaxTasks = 8

// TaskID names a registered task.
type TaskID uint8

// NoTask is the idle selection.
const NoTask TaskID = 0xFF

// TaskState is the scheduling state of one task.
type TaskState uint8

const (
	TaskIdle TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// TaskFunc is the body of a task. It receives the tick time and the
// gradient vector computed this tick, so task logic can steer on the
// neighborhood.
type TaskFunc func(now uint64, gradients field.GradientVec)

// slackNormalizeMicros maps slack onto [0,1]: zero at the deadline, one
// at 100 s or more of headroom.
const slackNormalizeMicros = 100_000_000

// slackThresholdMicros marks a task critical below 10 s of slack.
const slackThresholdMicros = 10_000_000

type taskEntry struct {
	id       TaskID
	name     string
	fn       TaskFunc
	state    TaskState
	priority uint8

	periodMicros uint64
	nextRun      uint64
	runCount     uint32
	totalRuntime uint64

	hasDeadline       bool
	deadlineMicros    uint64
	durationEstMicros uint64
	slack             fixed.Fixed
	critical          bool

	requiredCaps fleet.Capability
}

// AddTask registers a task. Priority 0 is highest; a zero period means
// the task runs once each time it is marked ready.
func (n *Node) AddTask(name string, fn TaskFunc, priority uint8, periodMicros uint64) (TaskID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn == nil {
		return NoTask, ErrNilTask
	}
	if len(n.tasks) >= MaxTasks {
		return NoTask, ErrTaskTableFull
	}
	id := TaskID(len(n.tasks))
	n.tasks = append(n.tasks, taskEntry{
		id:           id,
		name:         name,
		fn:           fn,
		state:        TaskIdle,
		priority:     priority,
		periodMicros: periodMicros,
	})
	return id, nil
}

func (n *Node) task(id TaskID) (*taskEntry, error) {
	if int(id) >= len(n.tasks) {
		return nil, ErrUnknownTask
	}
	return &n.tasks[id], nil
}

// TaskReady marks a task runnable.
func (n *Node) TaskReady(id TaskID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.task(id)
	if err != nil {
		return err
	}
	t.state = TaskReady
	return nil
}

// TaskBlock parks a task until it is marked ready again.
func (n *Node) TaskBlock(id TaskID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.task(id)
	if err != nil {
		return err
	}
	t.state = TaskBlocked
	return nil
}

// SetTaskDeadline attaches an absolute deadline and a duration estimate.
// Slack is recomputed every tick and the minimum across tasks drives the
// Custom0 field channel.
func (n *Node) SetTaskDeadline(id TaskID, deadlineMicros, durationEstMicros uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.task(id)
	if err != nil {
		return err
	}
	t.hasDeadline = true
	t.deadlineMicros = deadlineMicros
	t.durationEstMicros = durationEstMicros
	t.slack = 0
	t.critical = false
	return nil
}

// ClearTaskDeadline detaches the deadline.
func (n *Node) ClearTaskDeadline(id TaskID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.task(id)
	if err != nil {
		return err
	}
	t.hasDeadline = false
	t.deadlineMicros = 0
	t.durationEstMicros = 0
	t.slack = 0
	t.critical = false
	return nil
}

// SetTaskCapabilities restricts a task to nodes holding the given mask.
func (n *Node) SetTaskCapabilities(id TaskID, caps fleet.Capability) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.task(id)
	if err != nil {
		return err
	}
	t.requiredCaps = caps
	return nil
}

// TaskInfo is the admin-surface view of one task.
type TaskInfo struct {
	ID       TaskID  `json:"id"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Priority uint8   `json:"priority"`
	Runs     uint32  `json:"runs"`
	Critical bool    `json:"critical"`
	Slack    float64 `json:"slack"`
}

// Tasks snapshots the registry.
func (n *Node) Tasks() []TaskInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]TaskInfo, len(n.tasks))
	for i := range n.tasks {
		t := &n.tasks[i]
		out[i] = TaskInfo{
			ID:       t.id,
			Name:     t.name,
			State:    t.state.String(),
			Priority: t.priority,
			Runs:     t.runCount,
			Critical: t.critical,
			Slack:    t.slack.Float64(),
		}
	}
	return out
}

// slackRatio converts microseconds of slack into a clamped Q16.16 share
// of the normalization window.
func slackRatio(slackMicros int64) fixed.Fixed {
	if slackMicros < 0 {
		slackMicros = 0
	}
	if slackMicros > slackNormalizeMicros {
		slackMicros = slackNormalizeMicros
	}
	return fixed.Fixed((slackMicros << 16) / slackNormalizeMicros)
}

// computeSlack refreshes per-task slack and publishes the normalized
// minimum into the Custom0 channel. A node with no deadline-bound tasks
// advertises full slack.
func (n *Node) computeSlack(now uint64) {
	minSlack := int64(slackNormalizeMicros)
	hasAny := false
	for i := range n.tasks {
		t := &n.tasks[i]
		if !t.hasDeadline {
			continue
		}
		hasAny = true
		slackMicros := int64(t.deadlineMicros) - (int64(now) + int64(t.durationEstMicros))
		t.slack = slackRatio(slackMicros)
		t.critical = slackMicros < slackThresholdMicros
		if slackMicros < minSlack {
			minSlack = slackMicros
		}
	}
	if hasAny {
		n.myField.Components[field.Custom0] = slackRatio(minSlack)
	} else {
		n.myField.Components[field.Custom0] = fixed.One
	}
}

// selectTask picks the next task: ready, due, capability-satisfied;
// critical-deadline tasks beat everything else, then the lowest priority
// number wins.
func (n *Node) selectTask(now uint64) TaskID {
	best := NoTask
	bestPriority := uint8(0xFF)
	bestCritical := false

	for i := range n.tasks {
		t := &n.tasks[i]
		if t.state != TaskReady {
			continue
		}
		if t.periodMicros > 0 && t.nextRun > now {
			continue
		}
		if t.requiredCaps != 0 && !fleet.CanPerform(n.caps, t.requiredCaps) {
			continue
		}

		critical := t.hasDeadline && t.critical
		take := false
		if critical && !bestCritical {
			take = true
		} else if critical == bestCritical && t.priority < bestPriority {
			take = true
		}
		if take {
			best = t.id
			bestPriority = t.priority
			bestCritical = critical
		}
	}
	return best
}

func (n *Node) runTask(id TaskID, now uint64) {
	t, err := n.task(id)
	if err != nil || t.state != TaskReady {
		return
	}
	t.state = TaskRunning
	n.activeTask = id

	start := n.clk.NowMicros()
	t.fn(now, n.gradients)
	t.totalRuntime += n.clk.NowMicros() - start
	t.runCount++

	t.state = TaskIdle
	n.activeTask = NoTask

	if t.periodMicros > 0 {
		t.nextRun = now + t.periodMicros
		t.state = TaskReady
	}
}
