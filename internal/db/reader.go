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

package db

import (
	"fmt"
	"strconv"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
)

// DataReader is a forward-only cursor over a fully buffered result.
//
// Forward-only is a usage contract: the result is buffered,
// so Rewind allows re-iteration when a caller really needs it.
type DataReader struct {
	res *driver.Result
	idx int
}

// newDataReader wraps a result; a nil result reads as empty.
func newDataReader(res *driver.Result) *DataReader {
	if res == nil {
		res = new(driver.Result)
	}

	return &DataReader{res: res}
}

// Columns returns column names in result order.
func (r *DataReader) Columns() []string {
	return r.res.Columns
}

// Len returns the number of buffered rows.
func (r *DataReader) Len() int {
	return len(r.res.Rows)
}

// Read advances and returns the next row, or nil at the end.
func (r *DataReader) Read() []any {
	if r.idx >= len(r.res.Rows) {
		return nil
	}

	row := r.res.Rows[r.idx]
	r.idx++

	return row
}

// ReadColumn advances and returns the i-th column of the next row,
// or nil at the end.
func (r *DataReader) ReadColumn(i int) any {
	row := r.Read()
	if row == nil || i < 0 || i >= len(row) {
		return nil
	}

	return row[i]
}

// ReadScan advances and scans the next row into dst pointers.
// It returns false at the end of the result.
func (r *DataReader) ReadScan(dst ...any) (bool, error) {
	row := r.Read()
	if row == nil {
		return false, nil
	}

	if len(dst) > len(row) {
		return false, lazyerrors.Errorf("scan: %d destinations for %d columns", len(dst), len(row))
	}

	for i, d := range dst {
		if err := scanValue(d, row[i]); err != nil {
			return false, lazyerrors.Error(err)
		}
	}

	return true, nil
}

// ReadAll returns all remaining rows and exhausts the reader.
func (r *DataReader) ReadAll() [][]any {
	rows := r.res.Rows[min(r.idx, len(r.res.Rows)):]
	r.idx = len(r.res.Rows)

	return rows
}

// Rewind resets the cursor to the first row.
func (r *DataReader) Rewind() {
	r.idx = 0
}

// scanValue assigns a raw result value to a typed destination pointer.
func scanValue(dst, v any) error {
	switch dst := dst.(type) {
	case *any:
		*dst = v
		return nil

	case *string:
		*dst = valueString(v)
		return nil

	case *[]byte:
		switch v := v.(type) {
		case []byte:
			*dst = v
		case string:
			*dst = []byte(v)
		case nil:
			*dst = nil
		default:
			*dst = []byte(valueString(v))
		}

		return nil

	case *int64:
		switch v := v.(type) {
		case int64:
			*dst = v
		case int32:
			*dst = int64(v)
		case int16:
			*dst = int64(v)
		case int:
			*dst = int64(v)
		default:
			n, err := strconv.ParseInt(valueString(v), 10, 64)
			if err != nil {
				return lazyerrors.Errorf("scan: %q into int64", valueString(v))
			}

			*dst = n
		}

		return nil

	case *bool:
		switch v := v.(type) {
		case bool:
			*dst = v
		case string:
			*dst = v == "t" || v == "true"
		default:
			return lazyerrors.Errorf("scan: %T into bool", v)
		}

		return nil

	case *float64:
		switch v := v.(type) {
		case float64:
			*dst = v
		case float32:
			*dst = float64(v)
		default:
			f, err := strconv.ParseFloat(valueString(v), 64)
			if err != nil {
				return lazyerrors.Errorf("scan: %q into float64", valueString(v))
			}

			*dst = f
		}

		return nil

	default:
		return lazyerrors.Errorf("scan: unsupported destination %T", dst)
	}
}

// valueString renders a raw result value; binary values are drained to a string.
func valueString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
