// Package param implements a declarative parameter table: named fields with
// defaults, aliases and integer bounds, bound to typed Go destinations and
// populated from textual key/value settings without runtime reflection.
package param
