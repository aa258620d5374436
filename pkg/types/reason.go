package types

import (
	"fmt"
	"strings"
)

// FailReason classifies why an upload attempt did not finish.
type FailReason int

const (
	// ZeroLength: the record has no bytes to send. Terminal.
	ZeroLength FailReason = iota
	// NoResultNode: the backend accepted the transfer but returned no node. Retried.
	NoResultNode
	// NoFolderNode: the destination folder is missing or is not a folder. Terminal.
	NoFolderNode
	// NoOverwriteNode: the node to overwrite does not exist. Terminal.
	NoOverwriteNode
	// Conflict: the name already exists under the destination.
	Conflict
	// Unexpected: unclassified failure. Retried unless reconciliation failed.
	Unexpected
	// Cancelled: either cancellation signal fired. Never retried.
	Cancelled
)

var reasonNames = [...]string{
	ZeroLength:      "ZeroLength",
	NoResultNode:    "NoResultNode",
	NoFolderNode:    "NoFolderNode",
	NoOverwriteNode: "NoOverwriteNode",
	Conflict:        "Conflict",
	Unexpected:      "Unexpected",
	Cancelled:       "Cancelled",
}

func (r FailReason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("FailReason(%d)", int(r))
	}
	return reasonNames[r]
}

// MarshalText encodes the reason by name.
func (r FailReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name, case-insensitively.
func (r *FailReason) UnmarshalText(b []byte) error {
	parsed, err := ParseFailReason(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseFailReason maps a name back to its FailReason.
func ParseFailReason(s string) (FailReason, error) {
	for i, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return FailReason(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fail reason %q", s)
}

// Terminal reports whether a failure with this reason ends the record's lifecycle.
func (r FailReason) Terminal() bool {
	switch r {
	case ZeroLength, NoFolderNode, NoOverwriteNode, Cancelled:
		return true
	default:
		return false
	}
}

// AllFailReasons lists every reason in declaration order.
func AllFailReasons() []FailReason {
	out := make([]FailReason, len(reasonNames))
	for i := range reasonNames {
		out[i] = FailReason(i)
	}
	return out
}
