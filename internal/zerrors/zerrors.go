// Package zerrors defines the error taxonomy shared by every zipline
// component: FetchPipeline, ContentCache, Loader and Downloader all wrap
// their failures in one of these kinds so callers can branch on errors.Is
// without caring which component raised it.
package zerrors

import "errors"

// Kind identifies which class of failure occurred, per spec §7.
type Kind int

const (
	_ Kind = iota
	KindNetworkError
	KindMalformedManifest
	KindMalformedZiplineFile
	KindUnsupportedFileVersion
	KindIntegrityMismatch
	KindCorruptCacheEntry
	KindCacheIoError
	KindEngineError
)

func (k Kind) String() string {
	switch k {
	case KindNetworkError:
		return "NetworkError"
	case KindMalformedManifest:
		return "MalformedManifest"
	case KindMalformedZiplineFile:
		return "MalformedZiplineFile"
	case KindUnsupportedFileVersion:
		return "UnsupportedFileVersion"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	case KindCorruptCacheEntry:
		return "CorruptCacheEntry"
	case KindCacheIoError:
		return "CacheIoError"
	case KindEngineError:
		return "EngineError"
	default:
		return "UnknownError"
	}
}

// Error is a zipline failure tagged with a Kind and, usually, a wrapped
// cause. Cancellation is represented by context.Canceled /
// context.DeadlineExceeded directly rather than a Kind here, matching Go's
// idiom of using the standard context errors for cooperative cancellation
// instead of a bespoke "Cancelled" type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, zerrors.New(zerrors.KindNetworkError, "", nil)) or,
// more idiomatically, use the Is<Kind> helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind wrapping cause, if any.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// sentinel is a zero-cause *Error used only as a target for Is<Kind> checks.
func sentinel(k Kind) error { return &Error{Kind: k} }

// IsNetworkError reports whether err (or something it wraps) is a
// NetworkError.
func IsNetworkError(err error) bool { return errors.Is(err, sentinel(KindNetworkError)) }

// IsMalformedManifest reports whether err is a MalformedManifest failure.
func IsMalformedManifest(err error) bool { return errors.Is(err, sentinel(KindMalformedManifest)) }

// IsMalformedZiplineFile reports whether err is a MalformedZiplineFile
// failure.
func IsMalformedZiplineFile(err error) bool {
	return errors.Is(err, sentinel(KindMalformedZiplineFile))
}

// IsUnsupportedFileVersion reports whether err is an UnsupportedFileVersion
// failure.
func IsUnsupportedFileVersion(err error) bool {
	return errors.Is(err, sentinel(KindUnsupportedFileVersion))
}

// IsIntegrityMismatch reports whether err is an IntegrityMismatch failure.
func IsIntegrityMismatch(err error) bool { return errors.Is(err, sentinel(KindIntegrityMismatch)) }

// IsCorruptCacheEntry reports whether err is a CorruptCacheEntry failure.
func IsCorruptCacheEntry(err error) bool { return errors.Is(err, sentinel(KindCorruptCacheEntry)) }

// IsCacheIoError reports whether err is a CacheIoError failure.
func IsCacheIoError(err error) bool { return errors.Is(err, sentinel(KindCacheIoError)) }

// IsEngineError reports whether err is an EngineError failure.
func IsEngineError(err error) bool { return errors.Is(err, sentinel(KindEngineError)) }
