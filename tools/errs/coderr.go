package errs

import (
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CodeError carries a wire-level status code alongside a human message.
// Detail is operator-facing and never sent to clients; Messages is the
// per-field list attached to validation failures.
type CodeError struct {
	Code     int      `json:"code"`
	Msg      string   `json:"message"`
	Detail   string   `json:"-"`
	Messages []string `json:"messages,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) clone() *CodeError {
	c := *e
	if len(e.Messages) > 0 {
		c.Messages = append([]string(nil), e.Messages...)
	}
	return &c
}

// WithDetail returns a copy carrying extra operator-facing context.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail = c.Detail + ", " + detail
	}
	return c
}

// WithMsg returns a copy with the client-facing message replaced.
func (e *CodeError) WithMsg(msg string) *CodeError {
	c := e.clone()
	c.Msg = msg
	return c
}

// WithMessages returns a copy carrying a per-field message list
// (validation failures).
func (e *CodeError) WithMessages(messages []string) *CodeError {
	c := e.clone()
	c.Messages = append([]string(nil), messages...)
	return c
}

// Wrap attaches a stack trace for logging paths.
func (e *CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e *CodeError) WrapMsg(msg string) error {
	return errors.Wrap(e, msg)
}

// Is matches by code so errors.Is works across clones.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !stderrors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// AsCodeError unwraps err down to a *CodeError, or nil.
func AsCodeError(err error) *CodeError {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce
	}
	return nil
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
