package config

import "strconv"

// TriState models a flag that can be unset, explicitly true, or explicitly
// false. Plain booleans collapse "unset" and "false" into one value; the
// warmup heuristics (mlock, prefetch) need to tell them apart so an auto
// default can only kick in when the operator said nothing at all.
type TriState struct {
	set bool
	val bool
}

// Set implements flag.Value.
func (t *TriState) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	t.set, t.val = true, b
	return nil
}

// String implements flag.Value.
func (t *TriState) String() string {
	if t == nil || !t.set {
		return "auto"
	}
	return strconv.FormatBool(t.val)
}

// IsSet reports whether the flag was explicitly provided.
func (t *TriState) IsSet() bool { return t.set }

// Resolve applies the flag → env → auto precedence described in the
// runner's configuration design: an explicit flag wins outright, otherwise
// an explicit environment variable wins, otherwise the auto default is
// used.
func (t *TriState) Resolve(envVal string, auto func() bool) bool {
	if t.set {
		return t.val
	}
	if envVal != "" {
		if b, err := strconv.ParseBool(envVal); err == nil {
			return b
		}
	}
	return auto()
}
