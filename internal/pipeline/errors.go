package pipeline

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/spdyout/internal/logger"
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

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
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
	http.StatusBadGateway: {
		Title:   "502 Bad Gateway",
		Heading: "Bad Gateway",
		Message: "The upstream response could not be framed.",
	},
}

// PrefersJSON reports whether the most preferred media type in an Accept
// header value is application/json. Ties on q-value go to the more specific
// type, then to the earlier one.
func PrefersJSON(accept string) bool {
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		mediaType, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		if mediaType == "" {
			continue
		}
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			v, ok := strings.CutPrefix(strings.TrimSpace(p), "q=")
			if !ok {
				continue
			}
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed < 0 || parsed > 1 {
				parsed = 0
			}
			q = parsed
			break
		}
		// q=0 means "not acceptable" (RFC 7231 5.3.1).
		if q > 0 {
			offers = append(offers, offer{
				mediaType: mediaType,
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}
	sort.Slice(offers, func(i, j int) bool {
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

func htmlBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}

// WriteErrorResponse writes a default error response for statusCode to w:
// JSON when req's Accept header prefers it, HTML otherwise. The detail, if
// any, is included escaped. w must not have written anything yet.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, req *http.Request, detail string, log *logger.Logger) error {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}
	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}

	var body []byte
	var contentType string
	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detail}})
		if err != nil {
			log.Error("Failed to marshal JSON error response, falling back to HTML.", logger.LogFields{"error": err.Error(), "status": statusCode})
		} else {
			body = b
			contentType = "application/json; charset=utf-8"
		}
	}
	if body == nil {
		msg, known := defaultHTMLMessages[statusCode]
		if !known {
			msg = htmlMessage{
				Title:   fmt.Sprintf("%d %s", statusCode, statusText),
				Heading: statusText,
				Message: "The server encountered an error processing your request.",
			}
		}
		text := msg.Message
		if detail != "" {
			text += " " + html.EscapeString(detail)
		}
		body = htmlBody(msg.Title, msg.Heading, text)
		contentType = "text/html; charset=utf-8"
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("pipeline: write error response body (status %d): %w", statusCode, err)
	}
	return nil
}
