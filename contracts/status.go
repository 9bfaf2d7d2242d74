package contracts

// Status codes carried in the Status-Code header. Zero is success; the rest
// follow the HTTP status they map to, multiplied by 100.
const (
	StatusSuccess            = 0
	StatusBadRequest         = 40000
	StatusNotAuthorized      = 40100
	StatusForbidden          = 40300
	StatusNotFound           = 40400
	StatusNotAcceptable      = 40600
	StatusPreconditionFailed = 41200
	StatusTooLargeContents   = 41300
	StatusTooManyRequests    = 42900
	StatusUnknownError       = 50000
	StatusBadGateway         = 50200
	StatusServiceUnavailable = 50300
	StatusGatewayTimeout     = 50400
)

// StatusText returns a short description of a known status code
func StatusText(code int) string {
	switch code {
	case StatusSuccess:
		return "Success"
	case StatusBadRequest:
		return "Bad request"
	case StatusNotAuthorized:
		return "Not authorized"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not found"
	case StatusNotAcceptable:
		return "Not acceptable"
	case StatusPreconditionFailed:
		return "Precondition failed"
	case StatusTooLargeContents:
		return "Too large contents"
	case StatusTooManyRequests:
		return "Too many requests"
	case StatusBadGateway:
		return "Bad gateway"
	case StatusServiceUnavailable:
		return "Service unavailable"
	case StatusGatewayTimeout:
		return "Gateway timeout"
	default:
		return "Unknown error"
	}
}
