package training

import (
	"reflect"

	"github.com/tsawler/embedtrain/summary"
)

// LogMetric records dataset/metric at step. It does nothing when w is nil,
// which is how non-coordinator workers run.
func LogMetric(w summary.Writer, dataset, metric string, value float64, step int) error {
	if isNil(w) {
		return nil
	}
	return w.AddScalar(dataset+"/"+metric, value, step)
}

// isNil also catches typed nil pointers stored in the interface.
func isNil(w summary.Writer) bool {
	if w == nil {
		return true
	}
	v := reflect.ValueOf(w)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
