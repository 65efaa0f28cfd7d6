package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/ksync"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
)

var (
	// The global process table and the single FIFO ready queue, each
	// guarded by its spinlock.
	processListLock ksync.Spinlock
	processList     []*Process

	readyQueueLock ksync.Spinlock
	readyQueue     threadFIFO

	// schedLock guards the per-core scheduler registry.
	schedLock  ksync.Spinlock
	schedulers = make(map[uint32]*Scheduler)

	// switchThreadFn is used by tests to observe the one-way dispatch
	// that loads a register image and never returns.
	switchThreadFn = switchThread

	errNoInitThread = &kernel.Error{Module: "proc", Message: "ready queue empty; no initial process was created"}
)

// threadFIFO is the strict FIFO of runnable threads.
type threadFIFO struct {
	items []*Thread
}

func (q *threadFIFO) push(t *Thread) {
	q.items = append(q.items, t)
}

func (q *threadFIFO) pop() *Thread {
	if len(q.items) == 0 {
		return nil
	}

	t := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return t
}

func (q *threadFIFO) len() int { return len(q.items) }

// switchThread installs a register image and address-space root on the
// current CPU via a synthetic iretq frame. It does not return.
func switchThread(regs *RegisterState, pageTableRoot uintptr)

// Scheduler drives one CPU's thread dispatch. The idle process is the
// fallback when the ready queue is empty; it never enters the queue itself.
type Scheduler struct {
	idleProcess *Process

	// ready stays false during the boot grace period; Schedule keeps the
	// departing thread running until SetReady is called.
	ready bool

	currentThread *Thread
}

// NewScheduler builds the scheduler for a core, creating its idle process.
func NewScheduler(coreID uint32) (*Scheduler, *kernel.Error) {
	idle, err := NewIdleProcess(coreID, idleThread)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{idleProcess: idle}

	schedLock.Acquire()
	schedulers[coreID] = s
	schedLock.Release()

	return s, nil
}

// CurrentScheduler returns the scheduler owning the calling CPU.
func CurrentScheduler() *Scheduler {
	pc := currentCPUFn()

	schedLock.Acquire()
	defer schedLock.Release()

	return schedulers[pc.CoreID]
}

// idleThread spins until the next timer interrupt takes the CPU away.
func idleThread() {
	for {
	}
}

// SetReady arms the scheduler: the next timer tick starts switching threads.
func (s *Scheduler) SetReady() {
	s.ready = true
}

// CurrentThread returns the thread currently assigned to this CPU.
func (s *Scheduler) CurrentThread() *Thread {
	return s.currentThread
}

// AddProcess enqueues every thread of the process and records it in the
// process table.
func AddProcess(p *Process) {
	processListLock.Acquire()
	readyQueueLock.Acquire()

	for _, t := range p.threads {
		t.state = ThreadRunnable
		readyQueue.push(t)
	}
	processList = append(processList, p)

	readyQueueLock.Release()
	processListLock.Release()
}

// DumpState prints the process table and ready queue contents.
func DumpState() {
	processListLock.Acquire()
	readyQueueLock.Acquire()

	kfmt.Printf("[proc] processes:\n")
	for _, p := range processList {
		kfmt.Printf("  - %s\n", p.name)
	}
	kfmt.Printf("[proc] ready queue:\n")
	for _, t := range readyQueue.items {
		kfmt.Printf("  - #%d (%s)\n", t.id, t.parent.name)
	}

	readyQueueLock.Release()
	processListLock.Release()
}

// Start dispatches the head of the ready queue on the boot CPU. It builds a
// synthetic interrupt frame from the thread's register image and never
// returns.
func (s *Scheduler) Start() {
	if s.currentThread != nil {
		panic(&kernel.Error{Module: "proc", Message: "scheduler started with a current thread assigned"})
	}

	readyQueueLock.Acquire()
	next := readyQueue.pop()
	readyQueueLock.Release()

	if next == nil {
		panic(errNoInitThread)
	}

	next.state = ThreadRunning
	s.currentThread = next

	regs := next.Registers
	switchThreadFn(&regs, uintptr(next.parent.pageTableRoot()))
}

// Exec re-dispatches the current thread from its stored register image. It is
// the return path after ReplaceImage rewrote the thread.
func (s *Scheduler) Exec() {
	thread := s.currentThread
	regs := thread.Registers
	switchThreadFn(&regs, uintptr(thread.parent.pageTableRoot()))
}

// Schedule takes the departing thread's captured registers, rotates the ready
// queue and returns the next thread together with its address-space root.
// A nil thread means the caller keeps running the departing thread: either
// the scheduler is not ready yet or the queue is empty and the departing
// thread was the idle fallback.
func (s *Scheduler) Schedule(departing RegisterState) (*Thread, mm.PhysicalAddress) {
	if !s.ready {
		return nil, 0
	}

	readyQueueLock.Acquire()
	defer readyQueueLock.Release()

	if current := s.currentThread; current != nil {
		// A thread whose image was just replaced keeps its prepared
		// registers for one pass; everyone else gets the captured
		// state written back.
		if current.needsSave {
			current.Registers = departing
		} else {
			current.needsSave = true
		}

		if current != s.idleProcess.MainThread() {
			current.state = ThreadRunnable
			readyQueue.push(current)
		}
	}

	next := readyQueue.pop()
	if next == nil {
		// Dispatch the idle fallback.
		next = s.idleProcess.MainThread()
		if next == s.currentThread {
			return nil, 0
		}
	}

	next.state = ThreadRunning
	s.currentThread = next

	return next, next.parent.pageTableRoot()
}

// init wires the memory manager's page-fault path to the scheduler so
// vmalloc faults can locate the faulting process's page table.
func init() {
	vmm.SetCurrentPageTableProvider(func() (vmm.PageTable, bool) {
		s := CurrentScheduler()
		if s == nil || s.currentThread == nil {
			return vmm.PageTable{}, false
		}

		ms := s.currentThread.parent.memorySpace
		if ms == nil {
			return vmm.PageTable{}, false
		}
		return ms.PageTable(), true
	})
}
