package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoBindAddr = errors.New("no available bind address")

// Listen binds the preferred address, falling back to the candidates in order
// when autoFallback is set. The returned listener is already bound, so the
// chosen port cannot be taken between selection and use.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("bind %s: %w", preferred, err)
		}
	}

	for _, addr := range candidates {
		if addr == "" || addr == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoBindAddr
}

// ParseCandidates splits a comma separated address list, dropping blanks.
func ParseCandidates(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
