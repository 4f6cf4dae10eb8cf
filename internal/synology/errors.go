package synology

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when a login succeeds on the wire but carries no
// session id. Listing is never attempted without one.
var ErrNoSession = errors.New("login response carried no session id")

// APIError is a failure reported by the DSM web API in its JSON envelope.
type APIError struct {
	API     string
	Version int
	Code    int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s v%d error %d: %s", e.API, e.Version, e.Code, describe(e.API, e.Code))
}

// StatusError is a non-200 HTTP response from the NAS or a proxy in front of it.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.Status)
}

var commonCodes = map[int]string{
	100: "unknown error",
	101: "no parameter of API, method or version",
	102: "requested API does not exist",
	103: "requested method does not exist",
	104: "requested version does not support the functionality",
	105: "logged in session does not have permission",
	106: "session timeout",
	107: "session interrupted by duplicated login",
	119: "SID not found",
}

var authCodes = map[int]string{
	400: "no such account or incorrect password",
	401: "disabled account",
	402: "denied permission",
	403: "2-factor authentication code required",
	404: "failed to authenticate 2-factor authentication code",
	406: "enforce to authenticate with 2-factor authentication code",
	407: "blocked IP source",
	408: "expired password cannot change",
	409: "expired password",
	410: "password must be changed",
}

var fileStationCodes = map[int]string{
	400: "invalid parameter of file operation",
	401: "unknown error of file operation",
	407: "operation not permitted",
	408: "no such file or directory",
	414: "file already exists",
}

func describe(api string, code int) string {
	if msg, ok := commonCodes[code]; ok {
		return msg
	}
	table := fileStationCodes
	if api == apiAuth {
		table = authCodes
	}
	if msg, ok := table[code]; ok {
		return msg
	}
	return "unrecognized error code"
}

// Hint returns a static troubleshooting hint for err, suitable for showing
// next to the error in the UI. It returns "" when there is nothing useful to add.
func Hint(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			if apiErr.API == apiAuth {
				return "Check SYNO_ID and SYNO_PW. DSM also answers 400 when the account lacks File Station access."
			}
			return "The folder path parameter was rejected. Check LECTERN_NAS_FOLDER."
		case 402, 105:
			return "Grant the account File Station permission under Control Panel > Application Privileges."
		case 403, 404, 406:
			return "The account has 2-step verification enabled. Use a dedicated account without OTP."
		case 407:
			return "DSM auto-block has banned this server's IP. Remove it under Security > Protection > Allow/Block List."
		case 408:
			if apiErr.API == apiAuth {
				return "The password has expired. Sign in once through the DSM web UI to renew it."
			}
			return "The shared folder or path does not exist. Paths start with the shared folder name, e.g. /RLRC/509 자료."
		case 102, 103, 104:
			return "This DSM version does not offer the requested API version. Update DSM or adjust the attempt plan."
		case 106, 107, 119:
			return "The session expired or was replaced. Refresh again."
		}
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case 401:
			return "Authentication failed. For WebDAV, check the WebDAV Server package allows this account."
		case 403:
			return "Access forbidden. Check the reverse proxy or firewall in front of DSM."
		case 404:
			return "Endpoint not found. SYNO_URL should point at the DSM port (5000/5001), not a web station."
		case 405:
			return "Method not allowed. The WebDAV service may be disabled or the port forward points at the wrong service."
		}
		return "Unexpected HTTP response. Check that SYNO_URL reaches DSM directly."
	}
	if errors.Is(err, ErrNoSession) {
		return "DSM accepted the login but returned no session. Retry with format=sid or check for a proxy stripping cookies."
	}
	return "The NAS could not be reached. Check SYNO_URL, port forwarding and that DSM is online."
}

// Code returns the vendor code or HTTP status carried by err, or 0.
func Code(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

// IsAuthFailure reports whether err means the NAS rejected the account.
// Retrying such errors counts towards the DSM auto-block threshold.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.API == apiAuth && apiErr.Code >= 400 && apiErr.Code <= 410
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == 401
	}
	return false
}
