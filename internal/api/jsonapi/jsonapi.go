// Package jsonapi provides lightweight JSON:API 1.1 envelope types, request
// decoding and rendering helpers.
package jsonapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const contentType = "application/vnd.api+json"

// MaxBodyBytes caps request bodies accepted by Decode.
const MaxBodyBytes = 1 << 20

// Document is a JSON:API single-resource document.
type Document struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta,omitempty"`
}

// ListDocument is a JSON:API collection document.
type ListDocument struct {
	Data []any `json:"data"`
	Meta Meta  `json:"meta,omitempty"`
}

// ResourceObject is the canonical JSON:API resource object.
type ResourceObject struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes any    `json:"attributes,omitempty"`
}

// Meta is a free-form map of non-standard meta-information.
type Meta map[string]any

// Resource builds a resource object.
func Resource(typ, id string, attrs any) ResourceObject {
	return ResourceObject{Type: typ, ID: id, Attributes: attrs}
}

// ErrorDocument is a JSON:API error response document.
type ErrorDocument struct {
	Errors []ErrorObject `json:"errors"`
}

// ErrorObject represents a single JSON:API error.
type ErrorObject struct {
	Status string       `json:"status,omitempty"`
	Code   string       `json:"code,omitempty"`
	Title  string       `json:"title,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource identifies the source of a JSON:API error.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// ErrBadBody is returned by Decode for unreadable request bodies.
var ErrBadBody = errors.New("request body is not valid JSON")

// Decode reads a JSON request body into dst. Unknown fields are ignored;
// an empty body is an error.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return nil
}

// Render writes a JSON:API document to w with the given HTTP status code.
func Render(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

// RenderOne writes a single-resource document.
func RenderOne(w http.ResponseWriter, status int, data any) {
	Render(w, status, Document{Data: data})
}

// RenderList writes a collection document.
func RenderList(w http.ResponseWriter, status int, data []any) {
	if data == nil {
		data = []any{}
	}
	Render(w, status, ListDocument{Data: data, Meta: Meta{"total": len(data)}})
}

// RenderError writes a single JSON:API error.
func RenderError(w http.ResponseWriter, status int, code, title, detail string) {
	RenderErrors(w, status, []ErrorObject{
		{
			Status: strconv.Itoa(status),
			Code:   code,
			Title:  title,
			Detail: detail,
		},
	})
}

// RenderErrors writes multiple JSON:API errors.
func RenderErrors(w http.ResponseWriter, status int, errs []ErrorObject) {
	Render(w, status, ErrorDocument{Errors: errs})
}
