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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsKind(t *testing.T) {
	require := require.New(t)

	err := NewProtocolError("bad frame length %d", 9001)
	require.True(IsKind(err, KindProtocol))
	require.False(IsKind(err, KindState))
	require.False(IsKind(errNotClassified, KindProtocol))
}

var errNotClassified = &notClassified{}

type notClassified struct{}

func (*notClassified) Error() string { return "not classified" }
