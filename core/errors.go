// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import "fmt"

// errorKind names one of the handful of error classes shared by every
// component in this module. It exists so call sites can dispatch on kind
// (close the connection, pause the torrent, reschedule an announce...)
// without needing a type per error site.
type errorKind string

const (
	// KindProtocol marks a malformed frame, oversized message, or illegal
	// state transition from a peer. Always closes the connection.
	KindProtocol errorKind = "protocol"

	// KindMSEProtocol marks a violation of the MSE handshake. Always closes
	// the connection.
	KindMSEProtocol errorKind = "mse_protocol"

	// KindBlockVerify marks a piece that failed its SHA-1 check. The piece's
	// blocks are cleared and re-downloaded; nothing else is affected.
	KindBlockVerify errorKind = "block_verify"

	// KindResourceLimit marks a request rejected because some local limit
	// (connection count, pending blocks, etc) is already saturated.
	KindResourceLimit errorKind = "resource_limit"

	// KindUnknownTorrent marks a handshake or MSE SKEY lookup for an
	// info-hash this process doesn't manage. Closes the connection.
	KindUnknownTorrent errorKind = "unknown_torrent"

	// KindFile marks an open/seek/read/write failure from the disk backend.
	// Surfaced through the failing IORequest, never raised inline.
	KindFile errorKind = "file"

	// KindTimeout marks a peer or tracker timeout.
	KindTimeout errorKind = "timeout"

	// KindState marks an internal invariant violation. Logged and closes
	// the offending connection; never brings down the process.
	KindState errorKind = "state"
)

// Error is a classified error. Use errors.As to recover the Kind at a call
// site that needs to branch on it (e.g. the message dispatcher deciding
// whether to close a connection).
type Error struct {
	Kind errorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewProtocolError builds a KindProtocol Error.
func NewProtocolError(format string, args ...interface{}) error {
	return &Error{KindProtocol, fmt.Sprintf(format, args...)}
}

// NewMSEProtocolError builds a KindMSEProtocol Error.
func NewMSEProtocolError(format string, args ...interface{}) error {
	return &Error{KindMSEProtocol, fmt.Sprintf(format, args...)}
}

// NewBlockVerifyError builds a KindBlockVerify Error.
func NewBlockVerifyError(format string, args ...interface{}) error {
	return &Error{KindBlockVerify, fmt.Sprintf(format, args...)}
}

// NewResourceLimitError builds a KindResourceLimit Error.
func NewResourceLimitError(format string, args ...interface{}) error {
	return &Error{KindResourceLimit, fmt.Sprintf(format, args...)}
}

// NewUnknownTorrentError builds a KindUnknownTorrent Error.
func NewUnknownTorrentError(format string, args ...interface{}) error {
	return &Error{KindUnknownTorrent, fmt.Sprintf(format, args...)}
}

// NewFileError builds a KindFile Error.
func NewFileError(format string, args ...interface{}) error {
	return &Error{KindFile, fmt.Sprintf(format, args...)}
}

// NewTimeoutError builds a KindTimeout Error.
func NewTimeoutError(format string, args ...interface{}) error {
	return &Error{KindTimeout, fmt.Sprintf(format, args...)}
}

// NewStateError builds a KindState Error.
func NewStateError(format string, args ...interface{}) error {
	return &Error{KindState, fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind errorKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
