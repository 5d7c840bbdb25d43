// Package ipc defines the request/response boundary: the uniform result envelope every
// operation returns and the typed requests validated before any component is called.
package ipc

import (
	"encoding/json"

	"treehouse/internal/apperr"
)

// Result is the uniform envelope. When OK is true Data is meaningful (and may be empty
// for operations without a payload); otherwise Error holds a human-readable message.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	// Kind is the error category, set only on failures.
	Kind string `json:"kind,omitempty"`
}

// OK wraps a successful payload.
func OK(data any) Result {
	return Result{OK: true, Data: data}
}

// Fail turns an error into a failure envelope. A nil error still yields a failure so
// the envelope never ends up with neither data nor error.
func Fail(err error) Result {
	if err == nil {
		return Result{OK: false, Error: "unknown error", Kind: apperr.KindUnknown.String()}
	}
	return Result{OK: false, Error: err.Error(), Kind: apperr.KindOf(err).String()}
}

// From builds the envelope for a (data, err) pair.
func From(data any, err error) Result {
	if err != nil {
		return Fail(err)
	}
	return OK(data)
}

// Done is From for operations that only report success.
func Done(err error) Result {
	return From(nil, err)
}

// Err rebuilds an error from a failure envelope, keeping its kind.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return apperr.E(kindFromString(r.Kind), r.Error)
}

// Decode unmarshals a successful payload into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Data == nil {
		return nil
	}
	raw, ok := r.Data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(r.Data); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

func kindFromString(s string) apperr.Kind {
	for k := apperr.KindValidation; k <= apperr.KindCrash; k++ {
		if k.String() == s {
			return k
		}
	}
	return apperr.KindUnknown
}
