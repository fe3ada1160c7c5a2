package jp2

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Warning records a structural anomaly that was recovered during parsing.
// The parse continues past a warning; the affected box or segment is still
// attached to the tree with whatever payload could be salvaged.
type Warning struct {
	// Offset is the absolute byte offset of the construct that triggered
	// the warning.
	Offset int64

	// Context names the box type or marker the warning belongs to, or is
	// empty for anomalies of the surrounding sequence.
	Context string

	// Message describes the violated expectation.
	Message string
}

func (w Warning) String() string {
	if w.Context == "" {
		return fmt.Sprintf("offset %d: %s", w.Offset, w.Message)
	}
	return fmt.Sprintf("offset %d: %s: %s", w.Offset, w.Context, w.Message)
}

// diag collects warnings for one parse. Collecting into a slice instead of
// logging through package state keeps "which warnings fired" testable; an
// optional logger additionally reports each warning as it occurs.
type diag struct {
	warnings []Warning
	log      *logrus.Logger
}

func (d *diag) warnf(offset int64, context, format string, args ...any) {
	w := Warning{Offset: offset, Context: context, Message: fmt.Sprintf(format, args...)}
	d.warnings = append(d.warnings, w)
	if d.log != nil {
		d.log.WithFields(logrus.Fields{
			"offset":  offset,
			"context": context,
		}).Warn(w.Message)
	}
}
