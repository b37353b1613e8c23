package scheduler

import "github.com/jinkezhen/sylar-sub000/fiber"

// AnyThread is the sentinel preferred-thread id meaning "any worker may run
// this task".
const AnyThread = -1

// Task is a tagged sum: either a reference to an existing Fiber, or a
// callable to be wrapped in a fiber when it is executed. Tasks are
// values; once pushed onto a Scheduler's queue, the scheduler owns the only
// live reference until it is dequeued.
type Task struct {
	// Fiber, if non-nil, is an existing fiber to resume.
	Fiber *fiber.Fiber
	// Run, used when Fiber is nil, is run inside the dequeuing worker's
	// reusable callable fiber (reset in place), or a new fiber if that one
	// is still suspended.
	Run func()
	// Thread is the preferred worker thread id, or AnyThread.
	Thread int
}

// FiberTask builds a Task around an existing fiber, pinned to thread (or
// AnyThread).
func FiberTask(f *fiber.Fiber, thread int) Task {
	if f == nil {
		panic("scheduler: nil fiber in FiberTask")
	}
	return Task{Fiber: f, Thread: thread}
}

// CallableTask builds a Task around a plain callable, pinned to thread (or
// AnyThread). The worker that dequeues it runs it inside a fiber, as
// described on Task.Run.
func CallableTask(run func(), thread int) Task {
	if run == nil {
		panic("scheduler: nil callable in CallableTask")
	}
	return Task{Run: run, Thread: thread}
}

func (t Task) empty() bool { return t.Fiber == nil && t.Run == nil }
