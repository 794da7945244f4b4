// Package exitcode is the fixed process exit status vocabulary used by the
// testmanager command-line tooling. The live dispatch path never exits; only
// auxiliary commands map their outcome onto one of these codes.
package exitcode

const (
	Success    = 0
	Failure    = 1
	Syntax     = 2 // invalid arguments
	Init       = 3 // initialization failure
	Skipped    = 4
	BadTestBox = 32 // bad environment
)

// Normalize returns code if it belongs to the vocabulary and Failure otherwise.
func Normalize(code int) int {
	switch code {
	case Success, Failure, Syntax, Init, Skipped, BadTestBox:
		return code
	default:
		return Failure
	}
}

// Name returns a short label for code, treating unknown codes as failures.
func Name(code int) string {
	switch Normalize(code) {
	case Success:
		return "success"
	case Syntax:
		return "syntax"
	case Init:
		return "init"
	case Skipped:
		return "skipped"
	case BadTestBox:
		return "bad-testbox"
	default:
		return "failure"
	}
}
