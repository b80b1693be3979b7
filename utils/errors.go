package utils

import "errors"

var (
	// ErrConfig is returned for malformed bundle definitions or an incomplete
	// identity mapping. It is fatal at construction time.
	ErrConfig = errors.New("configuration error")

	// ErrImageConversion means the current frame could not be decoded and is dropped.
	ErrImageConversion = errors.New("image conversion failed")

	// ErrTransformUnavailable means the camera to output frame transform was not
	// available at the capture time. Only the affected bundle is skipped.
	ErrTransformUnavailable = errors.New("transform unavailable")

	// ErrRemoteIdentityLookup is logged when the remote name lookup fails and the
	// generated default name is used instead.
	ErrRemoteIdentityLookup = errors.New("remote identity lookup failed")
)
