package builder

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/bugsnag/bugsnag-go/errors"

	"github.com/bft-labs/crashship/internal/domain"
)

var (
	goroutineHeader = regexp.MustCompile(`^goroutine (\d+)(?: [^\[]*)? \[([^\]]*)\]:$`)
	fileLine        = regexp.MustCompile(`^\t(.+):(\d+)(?: \+0x([0-9a-f]+))?`)
	syncSignal      = regexp.MustCompile(`\[signal (SIG[A-Z0-9]+): [^\]]*?code=(0x[0-9a-f]+|-?\d+)(?: addr=(0x[0-9a-f]+))?(?: pc=(0x[0-9a-f]+))?\]`)
	asyncSignal     = regexp.MustCompile(`^(SIG[A-Z0-9]+): .+$`)
	asyncPC         = regexp.MustCompile(`^PC=(0x[0-9a-f]+) m=\d+ sigcode=(-?\d+)`)
	registerLine    = regexp.MustCompile(`^([a-z][a-z0-9]{1,5})\s+(0x[0-9a-f]+)$`)
)

var signalNumbers = map[string]syscall.Signal{
	"SIGABRT": syscall.SIGABRT,
	"SIGBUS":  syscall.SIGBUS,
	"SIGFPE":  syscall.SIGFPE,
	"SIGILL":  syscall.SIGILL,
	"SIGKILL": syscall.SIGKILL,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGSEGV": syscall.SIGSEGV,
	"SIGTERM": syscall.SIGTERM,
	"SIGTRAP": syscall.SIGTRAP,
}

func signalName(n int32) string {
	for name, s := range signalNumbers {
		if int32(s) == n {
			return name
		}
	}
	if n == 0 {
		return ""
	}
	return "SIG" + strconv.Itoa(int(n))
}

// parsedText is what could be recovered from the runtime's crash output.
type parsedText struct {
	exception *domain.Exception
	signal    *domain.SignalInfo
	threads   []domain.Thread
	registers map[string]uint64
}

func parseCrashText(text string) parsedText {
	var p parsedText
	if strings.TrimSpace(text) == "" {
		return p
	}

	if perr, err := errors.ParsePanic(text); err == nil && perr != nil {
		exc := domain.Exception{
			Type:    perr.TypeName(),
			Message: perr.Error(),
		}
		for _, f := range perr.StackFrames() {
			exc.Frames = append(exc.Frames, domain.Frame{
				Address:      uint64(f.ProgramCounter),
				Function:     f.Name,
				Package:      f.Package,
				File:         f.File,
				Line:         f.LineNumber,
				Symbolicated: f.Name != "",
			})
		}
		p.exception = &exc
	}

	p.signal = parseSignal(text)
	p.threads = parseGoroutines(text)
	p.registers = parseRegisters(text)

	if p.exception == nil {
		p.exception = fallbackException(text, p.threads)
	}
	return p
}

func parseSignal(text string) *domain.SignalInfo {
	if m := syncSignal.FindStringSubmatch(text); m != nil {
		si := &domain.SignalInfo{Name: m[1], Number: int(signalNumbers[m[1]])}
		si.Code = int(parseInt(m[2]))
		if m[3] != "" {
			si.Address = uint64(parseInt(m[3]))
		}
		return si
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	var si *domain.SignalInfo
	for sc.Scan() {
		line := sc.Text()
		if si == nil {
			if m := asyncSignal.FindStringSubmatch(line); m != nil {
				si = &domain.SignalInfo{Name: m[1], Number: int(signalNumbers[m[1]])}
			}
			continue
		}
		if m := asyncPC.FindStringSubmatch(line); m != nil {
			si.Address = uint64(parseInt(m[1]))
			si.Code = int(parseInt(m[2]))
			break
		}
	}
	return si
}

// parseGoroutines splits a traceback into goroutines. The runtime prints
// the failing goroutine first.
func parseGoroutines(text string) []domain.Thread {
	var threads []domain.Thread
	var cur *domain.Thread
	var pending *domain.Frame

	flush := func() {
		if pending != nil && cur != nil {
			cur.Frames = append(cur.Frames, *pending)
		}
		pending = nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if m := goroutineHeader.FindStringSubmatch(line); m != nil {
			flush()
			id, _ := strconv.ParseInt(m[1], 10, 64)
			threads = append(threads, domain.Thread{
				ID:      id,
				Name:    "goroutine " + m[1],
				State:   m[2],
				Crashed: len(threads) == 0,
			})
			cur = &threads[len(threads)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if line == "" {
			flush()
			cur = nil
			continue
		}
		if m := fileLine.FindStringSubmatch(line); m != nil && pending != nil {
			pending.File = m[1]
			pending.Line, _ = strconv.Atoi(m[2])
			if m[3] != "" {
				pending.Offset, _ = strconv.ParseUint(m[3], 16, 64)
			}
			flush()
			continue
		}
		if strings.HasPrefix(line, "created by ") {
			flush()
			continue
		}
		flush()
		pending = &domain.Frame{Function: funcName(line), Symbolicated: true}
		pending.Package = packageOf(pending.Function)
	}
	flush()
	return threads
}

func parseRegisters(text string) map[string]uint64 {
	regs := map[string]uint64{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		if m := registerLine.FindStringSubmatch(strings.TrimSpace(sc.Text())); m != nil {
			regs[m[1]] = uint64(parseInt(m[2]))
		}
	}
	if len(regs) == 0 {
		return nil
	}
	return regs
}

func fallbackException(text string, threads []domain.Thread) *domain.Exception {
	exc := &domain.Exception{Type: "fatal error"}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(line, ": "); i > 0 {
			exc.Type = line[:i]
			exc.Message = line[i+2:]
		} else {
			exc.Message = line
		}
		break
	}
	if len(threads) > 0 {
		exc.Frames = threads[0].Frames
	}
	return exc
}

// funcName strips the argument list from a traceback function line.
func funcName(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.LastIndex(line, "("); i > 0 {
		return line[:i]
	}
	return line
}

func packageOf(fn string) string {
	slash := strings.LastIndex(fn, "/")
	if dot := strings.Index(fn[slash+1:], "."); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return ""
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		u, _ := strconv.ParseUint(s, 0, 64)
		return int64(u)
	}
	return n
}
