// Package selection resolves the target users of an action to concrete
// entities. Users with one active entity resolve directly; users with several
// are disambiguated interactively, one target at a time, through a short-lived
// session keyed by an opaque token.
package selection
