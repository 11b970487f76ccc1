package term

import "github.com/acarl005/stripansi"

// StripANSI removes ANSI escape sequences, for logging colored output to a
// destination (a file, a non-tty pipe) that shouldn't see the escape codes.
func StripANSI(s string) string {
	return stripansi.Strip(s)
}
