package tapstack

import "errors"

// ValidateFlags configures optional, stricter validation behavior shared
// across the wire codecs. The zero value performs the minimal structural
// checks only.
type ValidateFlags uint8

const (
	// ValidateEvilBit makes IPv4 validation reject packets with the evil
	// bit (RFC 3514) set.
	ValidateEvilBit ValidateFlags = 1 << iota
)

// Validator accumulates non-fatal structural errors found while validating
// a codec frame. Codec ValidateSize/ValidateExceptCRC methods across
// ethernet, arp, ipv4, udp and dhcpv4 take a *Validator so a caller
// can run every check on a packet and inspect the aggregate result once
// instead of bailing out on the first error.
type Validator struct {
	flags ValidateFlags
	accum []error
}

// Flags returns the currently configured validation strictness flags.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// SetFlags configures validation strictness. Call before running any
// ValidateSize/ValidateExceptCRC methods that consult it.
func (v *Validator) SetFlags(f ValidateFlags) { v.flags = f }

// ResetErr clears accumulated errors so the Validator can be reused.
func (v *Validator) ResetErr() { v.accum = v.accum[:0] }

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated errors joined with errors.Join, or nil if
// none were recorded.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// AddError records a validation failure. err must not be nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	}
	v.accum = append(v.accum, err)
}
