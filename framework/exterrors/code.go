/*
Notifq - multi-channel notification delivery queue.
Copyright © 2023-2024 Max Mazurov <fox.cpp@disroot.org>, Notifq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"errors"
	"fmt"
)

// Code identifies the class an error belongs to. It is stable across
// releases and usable for programmatic handling.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeStorage     Code = "storage"
	CodeHandler     Code = "handler"
	CodeRateLimit   Code = "rate_limit"
	CodeDuplicate   Code = "duplicate"
	CodeConfig      Code = "config"
	CodeTimeout     Code = "timeout"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal"
)

// Coded is the structured error object used on all failure paths that cross
// a package boundary. Retryable doubles as the Temporary() classification so
// Coded plays well with IsTemporaryOrUnspec.
type Coded struct {
	Code      Code
	Message   string
	Retryable bool

	// Optional transport-level status (e.g. HTTP status from a webhook
	// handler). Zero means not set.
	StatusCode int

	// Wrapped cause, if any.
	Cause error
}

func (c *Coded) Error() string {
	if c.Cause != nil {
		return c.Message + ": " + c.Cause.Error()
	}
	return c.Message
}

func (c *Coded) Unwrap() error {
	return c.Cause
}

func (c *Coded) Temporary() bool {
	return c.Retryable
}

func (c *Coded) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"code":      string(c.Code),
		"retryable": c.Retryable,
	}
	if c.StatusCode != 0 {
		f["status_code"] = c.StatusCode
	}
	return f
}

// AsCoded extracts the Coded object from the error chain. If there is none,
// the whole chain is wrapped into a CodeInternal error, classified using
// IsTemporaryOrUnspec.
func AsCoded(err error) *Coded {
	if err == nil {
		return nil
	}
	var coded *Coded
	if errors.As(err, &coded) {
		return coded
	}
	return &Coded{
		Code:      CodeInternal,
		Message:   err.Error(),
		Retryable: IsTemporaryOrUnspec(err),
		Cause:     err,
	}
}

func Validation(format string, args ...interface{}) error {
	return &Coded{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Config(format string, args ...interface{}) error {
	return &Coded{Code: CodeConfig, Message: fmt.Sprintf(format, args...)}
}
