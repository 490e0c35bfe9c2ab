package gstcmd

import (
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// ValgrindErrorCode is the exit code valgrind uses when it reports errors.
const ValgrindErrorCode = 20

// CriticalReturnCode is the exit code of gst-validate on critical reports.
const CriticalReturnCode = 18

// exitingSignals are the signals that indicate a crash rather than a request
// to terminate.
var exitingSignals = []syscall.Signal{
	unix.SIGQUIT, unix.SIGILL, unix.SIGABRT, unix.SIGFPE, unix.SIGSEGV,
	unix.SIGBUS, unix.SIGSYS, unix.SIGTRAP, unix.SIGXCPU, unix.SIGXFSZ,
	unix.SIGIOT,
}

// shellSegvCode is the code a shell reports for a child killed by SIGSEGV.
const shellSegvCode = 128 + int(unix.SIGSEGV)

var (
	codeToSignal = map[int]string{}
	signalToCode = map[string][]int{}
)

func init() {
	for _, sig := range exitingSignals {
		name := unix.SignalName(sig)
		code := -int(sig)
		if _, seen := codeToSignal[code]; !seen {
			codeToSignal[code] = name
		}
		signalToCode[name] = appendUnique(signalToCode[name], code)
	}
	signalToCode["SIGIOT"] = appendUnique(signalToCode["SIGIOT"], -int(unix.SIGIOT))
	codeToSignal[shellSegvCode] = "SIGSEGV"
	signalToCode["SIGSEGV"] = appendUnique(signalToCode["SIGSEGV"], shellSegvCode)
}

func appendUnique(codes []int, code int) []int {
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	return append(codes, code)
}

// ExitingSignalName returns the signal name for a return code produced by a
// crashing process.
func ExitingSignalName(returnCode int) (string, bool) {
	name, ok := codeToSignal[returnCode]
	return name, ok
}

// IsExitingSignal reports whether returnCode denotes a crash.
func IsExitingSignal(returnCode int) bool {
	_, ok := codeToSignal[returnCode]
	return ok
}

// SignalCodes returns the return codes a crash by the named signal produces.
func SignalCodes(name string) []int {
	codes := append([]int(nil), signalToCode[name]...)
	sort.Ints(codes)
	return codes
}

// SignalPipeCode is the return code of a process killed by SIGPIPE.
var SignalPipeCode = -int(unix.SIGPIPE)
