// Copyright 2025 Arion Yau
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

package mailbox

import (
	"bytes"
	"fmt"
	"io"
)

// LogReader walks a mailbox log record by record. It remembers how far it
// has read, so every record is returned exactly once.
type LogReader struct {
	r       io.Reader
	offset  uint64
	partial []byte
}

// NewLogReader reads records from r, an open log positioned at its start
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{r: r}
}

// Offset returns the number of log bytes consumed so far
func (l *LogReader) Offset() uint64 {
	return l.offset
}

// ReadUpTo consumes the log up to the committed size and returns the
// complete records found. A trailing unterminated fragment is held back
// until its terminator arrives.
func (l *LogReader) ReadUpTo(size uint64) ([]string, error) {
	if size <= l.offset {
		return nil, nil
	}

	buf := make([]byte, size-l.offset)
	n, err := io.ReadFull(l.r, buf)
	l.offset += uint64(n)
	records := l.split(buf[:n])

	if err != nil {
		return records, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return records, nil
}

func (l *LogReader) split(data []byte) []string {
	if len(l.partial) > 0 {
		data = append(l.partial, data...)
		l.partial = nil
	}

	var records []string
	for {
		i := bytes.IndexByte(data, RecordTerminator)
		if i < 0 {
			break
		}
		records = append(records, string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > 0 {
		l.partial = append([]byte(nil), data...)
	}
	return records
}
