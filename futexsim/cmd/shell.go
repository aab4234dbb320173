// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"gvisor.dev/kfutex/futexsim/cmd/util"
	"gvisor.dev/kfutex/futexsim/config"
	"gvisor.dev/kfutex/futexsim/workload"
	"gvisor.dev/kfutex/pkg/abi/linux"
	"gvisor.dev/kfutex/pkg/errors/linuxerr"
	"gvisor.dev/kfutex/pkg/hostarch"
	"gvisor.dev/kfutex/pkg/log"
	"gvisor.dev/kfutex/pkg/metric"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
	"gvisor.dev/kfutex/pkg/sync"
)

// Shell implements subcommands.Command for the "shell" command.
type Shell struct {
	history string
}

// Name implements subcommands.Command.Name.
func (*Shell) Name() string {
	return "shell"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Shell) Synopsis() string {
	return "drive simulated tasks through futex operations interactively"
}

// Usage implements subcommands.Command.Usage.
func (*Shell) Usage() string {
	return `shell [-history=<path>] - reads commands from stdin and runs them against a simulated kernel. Type 'help' for commands.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Shell) SetFlags(f *flag.FlagSet) {
	def := ""
	if home, err := os.UserHomeDir(); err == nil {
		def = filepath.Join(home, ".futexsim_history")
	}
	f.StringVar(&s.history, "history", def, "file where interactive command history is kept. Empty disables history.")
}

// Execute implements subcommands.Command.Execute.
func (s *Shell) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	e, err := workload.NewEnv(envOptions(conf))
	if err != nil {
		util.Fatalf("creating environment: %v", err)
	}
	sh := newShell(e, os.Stdout)
	defer sh.close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		err = s.interactive(sh)
	} else {
		err = sh.script(os.Stdin)
	}
	if err != nil {
		util.Errorf("shell: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// interactive reads commands with line editing and history.
func (s *Shell) interactive(sh *shell) error {
	l := liner.NewLiner()
	defer l.Close()
	l.SetCtrlCAborts(true)
	l.SetCompleter(sh.complete)
	if s.history != "" {
		if f, err := os.Open(s.history); err == nil {
			l.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(s.history); err == nil {
				l.WriteHistory(f)
				f.Close()
			}
		}()
	}

	sh.printf("futexsim shell (%s futexes). Type 'help' for commands.", sh.kind())
	for {
		line, err := l.Prompt("futexsim> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		l.AppendHistory(line)
		quit, err := sh.exec(line)
		if err != nil {
			sh.printf("error: %v", err)
		}
		if quit {
			return nil
		}
	}
}

// queuedTimeout bounds how long "queued WORD N" waits.
const queuedTimeout = 10 * time.Second

// shell runs shell commands against a workload environment.
type shell struct {
	env *workload.Env

	// outMu serializes writes to out from background operations.
	outMu sync.Mutex
	out   io.Writer

	// The fields below are only used by the goroutine calling exec.
	tasks   map[string]*kernel.Task
	words   map[string]hostarch.Addr
	mutexes map[string]*workload.RobustMutex
	lists   map[*kernel.Task]*workload.RobustList

	// bg tracks operations that may block.
	bg sync.WaitGroup
}

func newShell(e *workload.Env, out io.Writer) *shell {
	return &shell{
		env:     e,
		out:     out,
		tasks:   map[string]*kernel.Task{"init": e.Init()},
		words:   make(map[string]hostarch.Addr),
		mutexes: make(map[string]*workload.RobustMutex),
		lists:   make(map[*kernel.Task]*workload.RobustList),
	}
}

// close exits every task, which ends blocked operations, and destroys the
// environment.
func (sh *shell) close() {
	for _, t := range sh.tasks {
		t.Exit()
	}
	sh.bg.Wait()
	sh.env.Destroy()
}

func (sh *shell) kind() string {
	if sh.env.Private() {
		return "private"
	}
	return "shared"
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// script runs one command per line from r, stopping at the first error.
func (sh *shell) script(r io.Reader) error {
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		quit, err := sh.exec(line)
		if err != nil {
			return fmt.Errorf("line %d: %q: %w", n, line, err)
		}
		if quit {
			return nil
		}
	}
	return s.Err()
}

// shellCmd is one shell command.
type shellCmd struct {
	args    string
	help    string
	minArgs int
	maxArgs int
	run     func(sh *shell, args []string) error
}

var shellCmds map[string]shellCmd

func init() {
	shellCmds = map[string]shellCmd{
		"help":      {"", "list commands", 0, 0, (*shell).help},
		"spawn":     {"NAME [process]", "create a thread of init, or a new process", 1, 2, (*shell).spawn},
		"tasks":     {"", "list tasks", 0, 0, (*shell).listTasks},
		"word":      {"NAME [VALUE]", "allocate a futex word in the shared arena", 1, 2, (*shell).word},
		"load":      {"WORD", "print a word", 1, 1, (*shell).load},
		"store":     {"WORD VALUE", "store to a word through the arena", 2, 2, (*shell).store},
		"wait":      {"TASK WORD VALUE [TIMEOUT]", "FUTEX_WAIT in the background", 3, 4, (*shell).wait},
		"wake":      {"TASK WORD [N]", "FUTEX_WAKE", 2, 3, (*shell).wake},
		"requeue":   {"TASK FROM TO NWAKE NREQ", "FUTEX_CMP_REQUEUE against FROM's current value", 5, 5, (*shell).requeue},
		"wakeop":    {"TASK WORD1 WORD2 N1 N2 OP OPARG CMP CMPARG", "FUTEX_WAKE_OP", 9, 9, (*shell).wakeOp},
		"queued":    {"WORD [N]", "print the number of waiters on a word, or wait until there are N", 1, 2, (*shell).queued},
		"interrupt": {"TASK", "interrupt a task's blocking operation", 1, 1, (*shell).interrupt},
		"exit":      {"TASK", "exit a task, releasing its robust futexes", 1, 1, (*shell).exit},
		"robust":    {"TASK", "register a robust list for a task", 1, 1, (*shell).robust},
		"rmutex":    {"NAME", "allocate a robust mutex", 1, 1, (*shell).rmutex},
		"rlock":     {"TASK MUTEX", "lock a robust mutex in the background", 2, 2, (*shell).rlock},
		"runlock":   {"TASK MUTEX", "unlock a robust mutex", 2, 2, (*shell).runlock},
		"stats":     {"", "print futex manager statistics", 0, 0, (*shell).stats},
		"maps":      {"TASK", "print a task's memory mappings", 1, 1, (*shell).maps},
		"metrics":   {"", "print metrics in the Prometheus text format", 0, 0, (*shell).metrics},
		"sync":      {"", "wait for background operations to finish", 0, 0, (*shell).sync},
		"quit":      {"", "leave the shell", 0, 0, nil},
	}
}

// exec runs one command line. quit is true if the shell should stop.
func (sh *shell) exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	c, ok := shellCmds[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, type 'help' for commands", name)
	}
	if name == "quit" {
		return true, nil
	}
	if len(args) < c.minArgs || len(args) > c.maxArgs {
		return false, fmt.Errorf("usage: %s %s", name, c.args)
	}
	log.Debugf("shell: %s", line)
	return false, c.run(sh, args)
}

// complete implements liner.Completer.
func (sh *shell) complete(line string) []string {
	var c []string
	for name := range shellCmds {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			c = append(c, name)
		}
	}
	sort.Strings(c)
	return c
}

func (sh *shell) help([]string) error {
	names := make([]string, 0, len(shellCmds))
	for name := range shellCmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := shellCmds[name]
		sh.printf("  %-40s %s", strings.TrimSpace(name+" "+c.args), c.help)
	}
	return nil
}

func (sh *shell) task(name string) (*kernel.Task, error) {
	t, ok := sh.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task %q", name)
	}
	return t, nil
}

func (sh *shell) addr(name string) (hostarch.Addr, error) {
	a, ok := sh.words[name]
	if !ok {
		return 0, fmt.Errorf("no word %q", name)
	}
	return a, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func (sh *shell) spawn(args []string) error {
	name := args[0]
	if _, ok := sh.tasks[name]; ok {
		return fmt.Errorf("task %q exists", name)
	}
	var (
		t   *kernel.Task
		err error
	)
	switch {
	case len(args) == 1:
		t, err = sh.env.NewTask(name)
	case args[1] == "process":
		t, err = sh.env.NewProcess(name)
	default:
		return fmt.Errorf("unknown task kind %q", args[1])
	}
	if err != nil {
		return err
	}
	sh.tasks[name] = t
	sh.printf("%s: tid %d", name, t.ThreadID())
	return nil
}

func (sh *shell) listTasks([]string) error {
	names := make([]string, 0, len(sh.tasks))
	for name := range sh.tasks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sh.tasks[names[i]].ThreadID() < sh.tasks[names[j]].ThreadID() })
	for _, name := range names {
		t := sh.tasks[name]
		state := "running"
		if t.Exited() {
			state = "exited"
		}
		sh.printf("%d\t%s\t%v\tmm %d\t%s", t.ThreadID(), name, t.Width(), t.MemoryManager().ID(), state)
	}
	return nil
}

func (sh *shell) word(args []string) error {
	name := args[0]
	if _, ok := sh.words[name]; ok {
		return fmt.Errorf("word %q exists", name)
	}
	addr, err := sh.env.Alloc(4)
	if err != nil {
		return err
	}
	sh.words[name] = addr
	if len(args) == 2 {
		if err := sh.store([]string{name, args[1]}); err != nil {
			return err
		}
	}
	sh.printf("%s: %v", name, addr)
	return nil
}

func (sh *shell) load(args []string) error {
	addr, err := sh.addr(args[0])
	if err != nil {
		return err
	}
	v, err := sh.env.Init().LoadUint32(addr)
	if err != nil {
		return err
	}
	sh.printf("%s = %#x", args[0], v)
	return nil
}

func (sh *shell) store(args []string) error {
	addr, err := sh.addr(args[0])
	if err != nil {
		return err
	}
	v, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	return sh.env.Arena().StoreUint32(context.Background(), uint64(addr-workload.ArenaBase), v)
}

// background runs fn without blocking the shell and prints its outcome.
func (sh *shell) background(desc string, fn func() (string, error)) {
	sh.bg.Add(1)
	go func() {
		defer sh.bg.Done()
		res, err := fn()
		if err != nil {
			res = err.Error()
		}
		sh.printf("%s: %s", desc, res)
	}()
}

func (sh *shell) wait(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	addr, err := sh.addr(args[1])
	if err != nil {
		return err
	}
	val, err := parseUint32(args[2])
	if err != nil {
		return err
	}
	var ts hostarch.Addr
	if len(args) == 4 {
		d, err := time.ParseDuration(args[3])
		if err != nil {
			return err
		}
		if ts, err = sh.env.WriteTimeout(t, d); err != nil {
			return err
		}
	}
	sh.background(fmt.Sprintf("%s: wait %s", args[0], args[1]), func() (string, error) {
		if _, err := sh.env.Futex(t, addr, linux.FUTEX_WAIT, val, uintptr(ts), 0, 0); err != nil {
			return "", err
		}
		return "woken", nil
	})
	return nil
}

func (sh *shell) wake(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	addr, err := sh.addr(args[1])
	if err != nil {
		return err
	}
	n := uint32(1)
	if len(args) == 3 {
		if n, err = parseUint32(args[2]); err != nil {
			return err
		}
	}
	woken, err := sh.env.Futex(t, addr, linux.FUTEX_WAKE, n, 0, 0, 0)
	if err != nil {
		return err
	}
	sh.printf("%d woken", woken)
	return nil
}

func (sh *shell) requeue(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	from, err := sh.addr(args[1])
	if err != nil {
		return err
	}
	to, err := sh.addr(args[2])
	if err != nil {
		return err
	}
	nwake, err := parseUint32(args[3])
	if err != nil {
		return err
	}
	nreq, err := parseUint32(args[4])
	if err != nil {
		return err
	}
	cur, err := t.LoadUint32(from)
	if err != nil {
		return err
	}
	woken, err := sh.env.Futex(t, from, linux.FUTEX_CMP_REQUEUE, nwake, uintptr(nreq), to, cur)
	if err != nil {
		return err
	}
	sh.printf("%d woken", woken)
	return nil
}

var (
	wakeOps = map[string]uint32{
		"set":  linux.FUTEX_OP_SET,
		"add":  linux.FUTEX_OP_ADD,
		"or":   linux.FUTEX_OP_OR,
		"andn": linux.FUTEX_OP_ANDN,
		"xor":  linux.FUTEX_OP_XOR,
	}
	wakeCmps = map[string]uint32{
		"eq": linux.FUTEX_OP_CMP_EQ,
		"ne": linux.FUTEX_OP_CMP_NE,
		"lt": linux.FUTEX_OP_CMP_LT,
		"le": linux.FUTEX_OP_CMP_LE,
		"gt": linux.FUTEX_OP_CMP_GT,
		"ge": linux.FUTEX_OP_CMP_GE,
	}
)

func (sh *shell) wakeOp(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	addr1, err := sh.addr(args[1])
	if err != nil {
		return err
	}
	addr2, err := sh.addr(args[2])
	if err != nil {
		return err
	}
	var nums [4]uint32
	for i, s := range []string{args[3], args[4], args[6], args[8]} {
		if nums[i], err = parseUint32(s); err != nil {
			return err
		}
	}
	op, ok := wakeOps[args[5]]
	if !ok {
		return fmt.Errorf("unknown operation %q", args[5])
	}
	cmp, ok := wakeCmps[args[7]]
	if !ok {
		return fmt.Errorf("unknown comparison %q", args[7])
	}
	woken, err := sh.env.Futex(t, addr1, linux.FUTEX_WAKE_OP, nums[0], uintptr(nums[1]), addr2, linux.FutexOp(op, nums[2], cmp, nums[3]))
	if err != nil {
		return err
	}
	sh.printf("%d woken", woken)
	return nil
}

func (sh *shell) queued(args []string) error {
	addr, err := sh.addr(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		want, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), queuedTimeout)
		defer cancel()
		return sh.env.WaitQueued(ctx, addr, want)
	}
	n, err := sh.env.Kernel().Futexes().QueuedWaiters(sh.env.Init(), addr, sh.env.Private())
	if err != nil {
		return err
	}
	sh.printf("%s: %d queued", args[0], n)
	return nil
}

func (sh *shell) interrupt(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	t.Interrupt()
	return nil
}

func (sh *shell) exit(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	if t == sh.env.Init() {
		return fmt.Errorf("init cannot exit")
	}
	t.Exit()
	stats := t.LastRobustExit()
	names := make([]string, 0, len(stats.Results))
	for r, n := range stats.Results {
		names = append(names, fmt.Sprintf("%v=%d", r, n))
	}
	sort.Strings(names)
	sh.printf("%s: exited, %d robust entries [%s]", args[0], stats.Entries, strings.Join(names, " "))
	return nil
}

func (sh *shell) robust(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	l, err := workload.NewRobustList(sh.env, t)
	if err != nil {
		return err
	}
	sh.lists[t] = l
	sh.printf("%s: robust list at %v", args[0], l.Head())
	return nil
}

func (sh *shell) rmutex(args []string) error {
	name := args[0]
	if _, ok := sh.mutexes[name]; ok {
		return fmt.Errorf("robust mutex %q exists", name)
	}
	m, err := workload.NewRobustMutex(sh.env)
	if err != nil {
		return err
	}
	sh.mutexes[name] = m
	sh.words[name] = m.Addr()
	sh.printf("%s: %v", name, m.Addr())
	return nil
}

func (sh *shell) robustArgs(args []string) (*workload.RobustList, *workload.RobustMutex, error) {
	t, err := sh.task(args[0])
	if err != nil {
		return nil, nil, err
	}
	l, ok := sh.lists[t]
	if !ok {
		return nil, nil, fmt.Errorf("task %q has no robust list", args[0])
	}
	m, ok := sh.mutexes[args[1]]
	if !ok {
		return nil, nil, fmt.Errorf("no robust mutex %q", args[1])
	}
	return l, m, nil
}

func (sh *shell) rlock(args []string) error {
	l, m, err := sh.robustArgs(args)
	if err != nil {
		return err
	}
	sh.background(fmt.Sprintf("%s: rlock %s", args[0], args[1]), func() (string, error) {
		err := m.Lock(l)
		if linuxerr.Equals(linuxerr.EOWNERDEAD, err) {
			return "acquired, owner died", nil
		}
		if err != nil {
			return "", err
		}
		return "acquired", nil
	})
	return nil
}

func (sh *shell) runlock(args []string) error {
	l, m, err := sh.robustArgs(args)
	if err != nil {
		return err
	}
	return m.Unlock(l)
}

func (sh *shell) stats([]string) error {
	s := sh.env.Kernel().Futexes().Stats()
	sh.printf("private %d, shared %d, created %d, destroyed %d", s.PrivateFutexes, s.SharedFutexes, s.Created, s.Destroyed)
	return nil
}

func (sh *shell) maps(args []string) error {
	t, err := sh.task(args[0])
	if err != nil {
		return err
	}
	sh.printf("%s", strings.TrimRight(t.MemoryManager().Maps(), "\n"))
	return nil
}

func (sh *shell) metrics([]string) error {
	var b strings.Builder
	if err := metric.WritePrometheus(&b); err != nil {
		return err
	}
	sh.printf("%s", strings.TrimRight(b.String(), "\n"))
	return nil
}

func (sh *shell) sync([]string) error {
	sh.bg.Wait()
	return nil
}
