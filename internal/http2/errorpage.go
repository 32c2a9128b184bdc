package http2

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method is not allowed for the requested resource.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusRequestHeaderFieldsTooLarge: {
		Title:   "431 Request Header Fields Too Large",
		Heading: "Request Header Fields Too Large",
		Message: "The request header fields exceed the size this server accepts.",
	},
}

// PrefersJSON reports whether the most preferred media type in an Accept
// header is application/json. Offers are ranked by q-value, then
// specificity, then their order in the header; q=0 offers are ignored.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				v, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || v < 0 || v > 1 {
					v = 0
				}
				q = v
				break
			}
		}

		// RFC 7231 Section 5.3.2: q=0 means "not acceptable".
		if q > 0 && mediaType != "" {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// errorBody renders the default error page for statusCode, as JSON when the
// client prefers it and as HTML otherwise. detail is optional.
func errorBody(statusCode int, accept, detail string) (body []byte, contentType string) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			return b, "application/json; charset=utf-8"
		}
		// fall through to HTML
	}

	var title, heading, message string
	if d, ok := defaultHTMLMessages[statusCode]; ok {
		title, heading, message = d.Title, d.Heading, d.Message
		if detail != "" {
			message += " " + html.EscapeString(detail)
		}
	} else {
		title = fmt.Sprintf("%d %s", statusCode, statusText)
		heading = statusText
		message = "The server encountered an error processing your request."
		if detail != "" {
			message = html.EscapeString(detail)
		}
	}
	return htmlErrorPage(title, heading, message), "text/html; charset=utf-8"
}

// htmlErrorPage builds a minimal HTML page. message must already be escaped.
func htmlErrorPage(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
