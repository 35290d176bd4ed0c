package simnet

import "errors"

// ValidateFlags selects optional checks performed by frame Validate* methods
// beyond the mandatory size/consistency ones.
type ValidateFlags uint8

const (
	// ValidateEvilBit rejects IPv4 frames carrying the RFC 3514 evil bit.
	ValidateEvilBit ValidateFlags = 1 << iota
	// validateMultiErr accumulates all errors found instead of only the first.
	validateMultiErr
)

// Validator accumulates frame validation errors across one or more frame
// Validate* calls so a demultiplexer can check a whole packet's nested
// headers and inspect the result once. The zero value is ready to use and
// performs only mandatory checks.
type Validator struct {
	flags ValidateFlags
	accum []error
}

// NewValidator returns a Validator performing the optional checks selected
// by flags in addition to the mandatory ones.
func NewValidator(flags ValidateFlags) Validator {
	return Validator{flags: flags}
}

// Flags returns the optional-check selection this validator was built with.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// AddError records err against the frame under validation. Nil errors are
// ignored. Frame Validate* methods call this; users may too, to fold their
// own checks into the same accumulator.
func (v *Validator) AddError(err error) {
	if err == nil {
		return
	}
	if len(v.accum) != 0 && v.flags&validateMultiErr == 0 {
		return
	}
	v.accum = append(v.accum, err)
}

// HasError reports whether any error has been recorded since the last reset.
func (v *Validator) HasError() bool { return len(v.accum) > 0 }

// Err returns the recorded error(s) without consuming them, joined when more
// than one was accumulated. Returns nil if validation passed.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	}
	return errors.Join(v.accum...)
}

// ErrPop returns the recorded error(s) as per [Validator.Err] and resets the
// validator so it can be reused for the next frame.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// ResetErr discards accumulated errors, keeping the flag selection.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}
