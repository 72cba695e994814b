package broadcast

import (
	"fmt"
	"strconv"
	"strings"
)

type policyKind uint8

const (
	kindUnbounded policyKind = iota
	kindDropOldest
	kindDropNewest
)

// Policy decides what a subscription's buffer does when the writer emits
// faster than the reader drains. The zero value is Unbounded.
type Policy struct {
	kind     policyKind
	capacity int
}

// Unbounded keeps every value until the reader takes it. Emit never drops
// and never blocks, so a reader that stops draining grows without limit.
func Unbounded() Policy {
	return Policy{kind: kindUnbounded}
}

// DropOldest keeps at most n values. When the buffer is full the oldest
// buffered value is evicted to make room for the new one, so a slow reader
// always sees the n most recent values. n below 1 is treated as 1.
func DropOldest(n int) Policy {
	return Policy{kind: kindDropOldest, capacity: max(n, 1)}
}

// DropNewest keeps at most n values. When the buffer is full the incoming
// value is discarded and the buffered ones are kept. n below 1 is treated as 1.
func DropNewest(n int) Policy {
	return Policy{kind: kindDropNewest, capacity: max(n, 1)}
}

// Capacity returns the buffer limit, or 0 for Unbounded.
func (p Policy) Capacity() int {
	if p.kind == kindUnbounded {
		return 0
	}
	return p.capacity
}

// Bounded reports whether the policy limits the buffer.
func (p Policy) Bounded() bool {
	return p.kind != kindUnbounded
}

// String returns the form accepted by ParsePolicy.
func (p Policy) String() string {
	switch p.kind {
	case kindDropOldest:
		return "drop-oldest:" + strconv.Itoa(p.capacity)
	case kindDropNewest:
		return "drop-newest:" + strconv.Itoa(p.capacity)
	default:
		return "unbounded"
	}
}

// ParsePolicy parses "unbounded", "drop-oldest:N" or "drop-newest:N".
func ParsePolicy(s string) (Policy, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(strings.ToLower(s)), ":")

	if name == "unbounded" || name == "" {
		if hasArg {
			return Policy{}, fmt.Errorf("broadcast: policy %q takes no capacity", s)
		}
		return Unbounded(), nil
	}

	if !hasArg {
		return Policy{}, fmt.Errorf("broadcast: policy %q needs a capacity", s)
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return Policy{}, fmt.Errorf("broadcast: invalid capacity in policy %q", s)
	}

	switch name {
	case "drop-oldest":
		return DropOldest(n), nil
	case "drop-newest":
		return DropNewest(n), nil
	}
	return Policy{}, fmt.Errorf("broadcast: unknown policy %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
