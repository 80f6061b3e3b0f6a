// Copyright 2024 Stratum Authors
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

package lazyerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Parallel()

	err := errors.New("err")

	err1 := Error(err)
	assert.Contains(t, err1.Error(), "lazyerrors_test.go")
	assert.Contains(t, err1.Error(), "err")
	assert.True(t, errors.Is(err1, err))
	assert.Equal(t, err, UnwrapAll(err1))

	err2 := Errorf("err2: %w", err1)
	assert.True(t, errors.Is(err2, err1))
	assert.True(t, errors.Is(err2, err))
	assert.Equal(t, err, UnwrapAll(err2))

	err3 := fmt.Errorf("err3: %w", err2)
	assert.True(t, errors.Is(err3, err))
}

func TestNew(t *testing.T) {
	t.Parallel()

	err := New("boom")
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "lazyerrors_test.go")

	assert.Nil(t, UnwrapAll(nil))
}

func TestErrorNil(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		_ = Error(nil)
	})
}
