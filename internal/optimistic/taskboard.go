package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/npezzotti/go-worksync/internal/bus"
	"github.com/npezzotti/go-worksync/internal/events"
	"github.com/npezzotti/go-worksync/internal/restapi"
	"github.com/npezzotti/go-worksync/internal/types"
)

var ErrInvalidIndex = errors.New("index out of range")

func listTarget(listId string) string {
	return "list:" + listId
}

func taskKey(t types.Task) string {
	return t.Id
}

// TaskBoard holds the ordered tasks of each list and applies reorders and
// status toggles optimistically through the tasks REST endpoints.
type TaskBoard struct {
	c      *Coordinator[types.Task]
	api    restapi.Client
	log    *log.Logger
	unsubs []func()
}

func NewTaskBoard(api restapi.Client, b *bus.Bus, cfg *Config) *TaskBoard {
	tb := &TaskBoard{
		c:   NewCoordinator(taskKey, types.Task.Clone, b, cfg),
		api: api,
	}
	tb.log = tb.c.log
	if b != nil {
		tb.unsubs = []func(){
			bus.Subscribe(b, tb.onCreated),
			bus.Subscribe(b, tb.onUpdated),
			bus.Subscribe(b, tb.onDeleted),
		}
	}
	return tb
}

// Close detaches the board from the bus.
func (tb *TaskBoard) Close() {
	for _, unsub := range tb.unsubs {
		unsub()
	}
}

// Coordinator exposes the underlying coordinator for inspection.
func (tb *TaskBoard) Coordinator() *Coordinator[types.Task] {
	return tb.c
}

// Load seeds a list from the server, ordered by position.
func (tb *TaskBoard) Load(listId string, tasks []types.Task) {
	sorted := make([]types.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	tb.c.Load(listTarget(listId), sorted)
}

func (tb *TaskBoard) Tasks(listId string) []types.Task {
	return tb.c.Get(listTarget(listId))
}

func (tb *TaskBoard) Pending(listId string) int {
	return tb.c.Pending(listTarget(listId))
}

// Reorder moves taskId to toIndex in the list and renumbers positions.
func (tb *TaskBoard) Reorder(ctx context.Context, listId, taskId string, toIndex int) (*Operation, error) {
	mutate := func(tasks []types.Task) ([]types.Task, error) {
		return moveTask(tasks, taskId, toIndex)
	}
	send := func(ctx context.Context) ([]types.Task, error) {
		t, err := tb.api.ReorderTask(ctx, taskId, toIndex)
		if err != nil {
			return nil, err
		}
		return authoritative(t), nil
	}

	op, err := tb.c.Apply(ctx, listTarget(listId), mutate, send)
	if err != nil {
		return nil, fmt.Errorf("reorder %s: %w", taskId, err)
	}
	return op, nil
}

func moveTask(tasks []types.Task, taskId string, toIndex int) ([]types.Task, error) {
	from := indexOf(tasks, taskId)
	if from < 0 {
		return nil, fmt.Errorf("task %s: %w", taskId, ErrUnknownKey)
	}
	if toIndex < 0 || toIndex >= len(tasks) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, toIndex, len(tasks))
	}

	t := tasks[from]
	tasks = append(tasks[:from], tasks[from+1:]...)
	tasks = append(tasks[:toIndex], append([]types.Task{t}, tasks[toIndex:]...)...)
	for i := range tasks {
		tasks[i].Position = i
	}
	return tasks, nil
}

// ToggleStatus flips a task between done and todo. A task in progress is
// marked done.
func (tb *TaskBoard) ToggleStatus(ctx context.Context, listId, taskId string) (*Operation, error) {
	var (
		updated types.Task
		target  types.TaskStatus
		first   = true
	)
	// the target is fixed on the first run; replays set it again rather than
	// flipping whatever state they land on
	mutate := func(tasks []types.Task) ([]types.Task, error) {
		i := indexOf(tasks, taskId)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", taskId, ErrUnknownKey)
		}
		if first {
			target = toggled(tasks[i].Status)
		}
		tasks[i].Status = target
		if first {
			updated = tasks[i].Clone()
			first = false
		}
		return tasks, nil
	}
	send := func(ctx context.Context) ([]types.Task, error) {
		t, err := tb.api.UpdateTask(ctx, updated)
		if err != nil {
			return nil, err
		}
		return authoritative(t), nil
	}

	op, err := tb.c.Apply(ctx, listTarget(listId), mutate, send)
	if err != nil {
		return nil, fmt.Errorf("toggle %s: %w", taskId, err)
	}
	return op, nil
}

func toggled(s types.TaskStatus) types.TaskStatus {
	if s == types.TaskStatusDone {
		return types.TaskStatusTodo
	}
	return types.TaskStatusDone
}

// authoritative drops an empty server response so it cannot clobber the
// local item.
func authoritative(t types.Task) []types.Task {
	if t.Id == "" {
		return nil
	}
	return []types.Task{t}
}

func indexOf(tasks []types.Task, taskId string) int {
	for i, t := range tasks {
		if t.Id == taskId {
			return i
		}
	}
	return -1
}

func (tb *TaskBoard) onCreated(ev events.TaskCreated) {
	if ev.Task.Id == "" || ev.Task.ListId == "" {
		tb.log.Printf("task created: missing id or list")
		return
	}
	tb.c.Upsert(listTarget(ev.Task.ListId), ev.Task)
}

func (tb *TaskBoard) onUpdated(ev events.TaskUpdated) {
	if ev.Task.Id == "" || ev.Task.ListId == "" {
		tb.log.Printf("task updated: missing id or list")
		return
	}
	tb.c.Upsert(listTarget(ev.Task.ListId), ev.Task)
}

func (tb *TaskBoard) onDeleted(ev events.TaskDeleted) {
	tb.c.Remove(listTarget(ev.ListId), ev.TaskId)
}
