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

package stratum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)

	// configuration mistakes surface synchronously
	_, err = New(&Config{Username: "u", Database: "d"})
	assert.Error(t, err)

	_, err = New(&Config{Host: "127.0.0.1", Database: "d"})
	assert.Error(t, err)

	_, err = New(&Config{Host: "127.0.0.1", Username: "u"})
	assert.Error(t, err)

	// no connection is dialed until first use
	db, err := New(&Config{
		Host:              "127.0.0.1",
		Username:          "u",
		Password:          "p",
		Database:          "d",
		SchemaCacheEnable: true,
	})
	require.NoError(t, err)

	db.Close()
}
