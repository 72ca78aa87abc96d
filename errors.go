package mega

import (
	"errors"
	"fmt"
)

// API error codes as returned by the MEGA gateway. Negative integers on
// the wire; positive results are passed through to the caller.
type ErrorMsg int

// Error kinds. API error codes and most of this package's own checks
// surface as one of these sentinels, so callers can classify with
// errors.Is; transport, file I/O and some response-shape failures are
// returned as plain errors.
var (
	// Transport / protocol
	EINTERNAL     = errors.New("Internal error occured")
	EARGS         = errors.New("Invalid arguments")
	EAGAIN        = errors.New("Try again")
	ERATELIMIT    = errors.New("Rate limit reached")
	EBADRESP      = errors.New("Bad response from server")
	ETEMPUNAVAIL  = errors.New("Resource temporarily not available")
	ETOOMANYCONNS = errors.New("Too many connections on this resource")

	// Upload/download
	EFAILED  = errors.New("The upload failed. Please restart it from scratch")
	ETOOMANY = errors.New("Too many concurrent IP addresses are accessing this upload target URL")
	ERANGE   = errors.New("The upload file packet is out of range or not starting and ending on a chunk boundary")
	EEXPIRED = errors.New("The upload target URL you are trying to access has expired. Please request a fresh one")

	// Filesystem / account
	ENOENT      = errors.New("Object (typically, node or user) not found")
	ECIRCULAR   = errors.New("Circular linkage attempted")
	EACCESS     = errors.New("Access violation")
	EEXIST      = errors.New("Trying to create an object that already exists")
	EINCOMPLETE = errors.New("Trying to access an incomplete resource")
	EKEY        = errors.New("A decryption operation failed")
	ESID        = errors.New("Invalid or expired user session, please relogin")
	EBLOCKED    = errors.New("User blocked")
	EOVERQUOTA  = errors.New("Request over quota")
	EMFA        = errors.New("Multi-factor authentication required")

	// Local errors
	EMACMISMATCH           = errors.New("MAC verification failed")
	EBADATTR               = errors.New("Bad node attribute")
	ECRYPTO                = errors.New("Node key could not be decrypted under any known key")
	ESTORAGE               = errors.New("Session storage error")
	EHASHCASH              = errors.New("Malformed hashcash challenge")
	EWORKER_LIMIT_EXCEEDED = errors.New("Maximum worker limit exceeded")
)

// parseError maps a numeric API error to a sentinel. Zero is success.
func parseError(errno ErrorMsg) error {
	switch errno {
	case 0:
		return nil
	case -1:
		return EINTERNAL
	case -2:
		return EARGS
	case -3:
		return EAGAIN
	case -4:
		return ERATELIMIT
	case -5:
		return EFAILED
	case -6:
		return ETOOMANY
	case -7:
		return ERANGE
	case -8:
		return EEXPIRED
	case -9:
		return ENOENT
	case -10:
		return ECIRCULAR
	case -11:
		return EACCESS
	case -12:
		return EEXIST
	case -13:
		return EINCOMPLETE
	case -14:
		return EKEY
	case -15:
		return ESID
	case -16:
		return EBLOCKED
	case -17:
		return EOVERQUOTA
	case -18:
		return ETEMPUNAVAIL
	case -19:
		return ETOOMANYCONNS
	case -26:
		return EMFA
	}

	return fmt.Errorf("Unknown mega error %d", errno)
}

// retryable reports whether an API error is worth retrying at the batch
// level. ESID, EBLOCKED and friends are final for the session.
func retryable(err error) bool {
	return errors.Is(err, EAGAIN) || errors.Is(err, ERATELIMIT) || errors.Is(err, ETEMPUNAVAIL)
}
