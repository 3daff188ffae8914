// Package summary records training scalars such as losses and correlation
// scores, keyed by tag and global step.
package summary

import (
	"errors"
)

// Writer is a sink for training scalars.
type Writer interface {
	AddScalar(tag string, value float64, step int) error
	Close() error
}

// multiWriter fans every call out to several writers.
type multiWriter []Writer

// Multi returns a Writer that records to every non-nil writer in ws.
func Multi(ws ...Writer) Writer {
	var out multiWriter
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multiWriter) AddScalar(tag string, value float64, step int) error {
	var errs []error
	for _, w := range m {
		if err := w.AddScalar(tag, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiWriter) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
