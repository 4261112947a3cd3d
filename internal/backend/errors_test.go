package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"not exist", fs.ErrNotExist, ClassNotFound},
		{"wrapped not exist", fmt.Errorf("open /x: %w", fs.ErrNotExist), ClassNotFound},
		{"permission", fs.ErrPermission, ClassPermission},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"wrapped net timeout", fmt.Errorf("read: %w", timeoutErr{}), ClassTransient},
		{"context canceled", context.Canceled, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"ranged write", fmt.Errorf("%w: gs://b/k", ErrRangedWrite), ClassFatal},
		{"unknown", errors.New("something broke"), ClassFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(fs.ErrNotExist) {
		t.Error("missing object must not be retried")
	}
	if Retryable(fs.ErrPermission) {
		t.Error("permission failure must not be retried")
	}
	if !Retryable(timeoutErr{}) {
		t.Error("timeout must be retryable")
	}
	if Retryable(nil) {
		t.Error("nil error is not retryable")
	}
}

func TestClassString(t *testing.T) {
	// Metric labels depend on these names.
	want := map[Class]string{
		ClassNone:       "none",
		ClassNotFound:   "not_found",
		ClassPermission: "permission_denied",
		ClassTransient:  "transient",
		ClassFatal:      "fatal",
	}
	for c, s := range want {
		if c.String() != s {
			t.Errorf("%d.String() = %q, want %q", int(c), c.String(), s)
		}
	}
}
