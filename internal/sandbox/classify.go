package sandbox

import "strings"

// coldStartSignatures are the only failure shapes that mean "the sandbox is
// still waking up". Anything else is terminal for the current attempt: a 4xx
// or 5xx application error is a real answer, and a timeout means the work ran
// too long, not that the box was cold.
var coldStartSignatures = []string{
	"connection refused",
	"not listening",
	"proxy error",
	"no such host",
	"connection reset by peer",
}

// IsColdStart reports whether an error message or response body matches a
// known cold-start signature. The upstream compute does not type its errors,
// so substring matching is the contract.
func IsColdStart(msg string) bool {
	m := strings.ToLower(msg)
	for _, sig := range coldStartSignatures {
		if strings.Contains(m, sig) {
			return true
		}
	}
	return false
}
