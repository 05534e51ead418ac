package store

import (
	"sort"
	"strings"
)

// Flag represents an IMAP message flag
type Flag string

const (
	FlagSeen     Flag = `\Seen`
	FlagAnswered Flag = `\Answered`
	FlagFlagged  Flag = `\Flagged`
	FlagDeleted  Flag = `\Deleted`
	FlagDraft    Flag = `\Draft`
	FlagRecent   Flag = `\Recent`
)

// CanonicalFlag normalizes a flag name to its internal IMAP form: a
// leading backslash and a title-case keyword. Accepts "seen", "SEEN",
// `\Seen` and so on.
func CanonicalFlag(name string) Flag {
	name = strings.TrimPrefix(strings.TrimSpace(name), `\`)
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)
	return Flag(`\` + strings.ToUpper(lower[:1]) + lower[1:])
}

// APIName returns the external representation of a flag: lowercase and
// without the backslash prefix, e.g. `\Seen` -> "seen".
func (f Flag) APIName() string {
	return strings.ToLower(strings.TrimPrefix(string(f), `\`))
}

// FlagSet is a set of message flags.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from flags in any accepted spelling.
func NewFlagSet(flags ...Flag) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		if cf := CanonicalFlag(string(f)); cf != "" {
			fs[cf] = struct{}{}
		}
	}
	return fs
}

// Has reports whether the set contains the flag.
func (fs FlagSet) Has(f Flag) bool {
	_, ok := fs[CanonicalFlag(string(f))]
	return ok
}

// Add inserts the flags into the set.
func (fs FlagSet) Add(flags ...Flag) {
	for _, f := range flags {
		if cf := CanonicalFlag(string(f)); cf != "" {
			fs[cf] = struct{}{}
		}
	}
}

// Remove deletes the flags from the set.
func (fs FlagSet) Remove(flags ...Flag) {
	for _, f := range flags {
		delete(fs, CanonicalFlag(string(f)))
	}
}

// Clone returns an independent copy of the set.
func (fs FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(fs))
	for f := range fs {
		out[f] = struct{}{}
	}
	return out
}

// Without returns a copy of the set with the given flags removed.
func (fs FlagSet) Without(flags ...Flag) FlagSet {
	out := fs.Clone()
	out.Remove(flags...)
	return out
}

// List returns the flags sorted by name.
func (fs FlagSet) List() []Flag {
	out := make([]Flag, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// APINames returns the sorted external names of all flags in the set.
func (fs FlagSet) APINames() []string {
	flags := fs.List()
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.APIName()
	}
	return out
}
