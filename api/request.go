package api

import (
	"fmt"
	"bytes"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"trackearly-api/domain"
)

const dateOnly = "2006-01-02"

var errInvalidBody = echo.NewHTTPError(http.StatusBadRequest, "invalid body")

// bodyFields holds a decoded JSON object. A key mapped to nil was sent as null,
// a missing key was not sent at all.
type bodyFields map[string]any

func readBody(c echo.Context) (bodyFields, error) {
	lr := io.LimitReader(c.Request().Body, maxBodySize+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, errInvalidBody.WithInternal(err)
	}
	if len(data) > maxBodySize {
		return nil, echo.ErrStatusRequestEntityTooLarge
	}
	// A missing body reads as an empty object.
	if len(bytes.TrimSpace(data)) == 0 {
		return bodyFields{}, nil
	}
	var fields bodyFields
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return nil, errInvalidBody.WithInternal(err)
	}
	if fields == nil {
		return nil, errInvalidBody
	}
	return fields, nil
}

func (b bodyFields) stringField(name string) (*string, error) {
	v, ok := b[name]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &domain.ValidationError{Field: name, Message: fmt.Sprintf("%s must be a string", name)}
	}
	if !utf8.ValidString(s) {
		return nil, &domain.ValidationError{Field: name, Message: fmt.Sprintf("%s must be valid UTF-8", name)}
	}
	return &s, nil
}

func (b bodyFields) boolField(name string) (*bool, error) {
	v, ok := b[name]
	if !ok || v == nil {
		return nil, nil
	}
	flag, ok := v.(bool)
	if !ok {
		return nil, &domain.ValidationError{Field: name, Message: fmt.Sprintf("%s must be true or false", name)}
	}
	return &flag, nil
}

func (b bodyFields) dueDate() (domain.DueDatePatch, error) {
	v, ok := b["dueDate"]
	if !ok {
		return domain.DueDatePatch{}, nil
	}
	if v == nil {
		return domain.DueDatePatch{Set: true}, nil
	}
	s, ok := v.(string)
	if !ok {
		return domain.DueDatePatch{}, invalidDueDate()
	}
	due, err := parseDueDate(s)
	if err != nil {
		return domain.DueDatePatch{}, invalidDueDate()
	}
	return domain.DueDatePatch{Set: true, Time: &due}, nil
}

func invalidDueDate() error {
	return &domain.ValidationError{Field: "dueDate", Message: "Please use a valid due date"}
}

func parseDueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dateOnly, s)
}

// draft maps a create body onto a TaskDraft. Validation of the values themselves
// is left to the service.
func (b bodyFields) draft() (domain.TaskDraft, error) {
	var d domain.TaskDraft
	title, err := b.stringField("title")
	if err != nil {
		return d, err
	}
	if title != nil {
		d.Title = *title
	}
	details, err := b.stringField("details")
	if err != nil {
		return d, err
	}
	if details != nil {
		d.Details = *details
	}
	completed, err := b.boolField("completed")
	if err != nil {
		return d, err
	}
	if completed != nil {
		d.Completed = *completed
	}
	due, err := b.dueDate()
	if err != nil {
		return d, err
	}
	d.DueDate = due.Time
	return d, nil
}

// patch maps an update body onto a TaskPatch. A null details value clears the text.
func (b bodyFields) patch() (domain.TaskPatch, error) {
	var p domain.TaskPatch
	var err error
	if p.Title, err = b.stringField("title"); err != nil {
		return p, err
	}
	if p.Details, err = b.stringField("details"); err != nil {
		return p, err
	}
	if v, ok := b["details"]; ok && v == nil {
		empty := ""
		p.Details = &empty
	}
	if p.Completed, err = b.boolField("completed"); err != nil {
		return p, err
	}
	if p.DueDate, err = b.dueDate(); err != nil {
		return p, err
	}
	return p, nil
}
