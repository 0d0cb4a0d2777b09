/*
 *	Copyright 2024 The Snorkel-Go Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package logwriter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// tensorBoardWriter emits scalars in the TFRecord-framed Event format that
// TensorBoard reads. The Event message is tiny (wall time, step and one scalar
// summary), so it is encoded directly rather than through generated protobuf
// stubs.
type tensorBoardWriter struct {
	runDir string
	file   *os.File
	buf    *bufio.Writer
}

func newTensorBoardWriter(runDir string) (*tensorBoardWriter, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%s", time.Now().Unix(), hostname)
	file, err := os.Create(filepath.Join(runDir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create events file in %q", runDir)
	}
	w := &tensorBoardWriter{
		runDir: runDir,
		file:   file,
		buf:    bufio.NewWriter(file),
	}
	// The first record identifies the file format version.
	if err = w.writeRecord(encodeVersionEvent()); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *tensorBoardWriter) AddScalar(name string, value float64, step int) error {
	return w.writeRecord(encodeScalarEvent(name, value, int64(step)))
}

func (w *tensorBoardWriter) WriteConfig(options map[string]any) error {
	return writeConfigFile(w.runDir, options)
}

func (w *tensorBoardWriter) Dir() string { return w.runDir }

func (w *tensorBoardWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush events file")
	}
	return errors.Wrapf(w.file.Close(), "failed to close events file")
}

// writeRecord frames one Event payload the TFRecord way:
// length (uint64 LE), masked CRC32-C of the length, payload, masked CRC32-C of
// the payload.
func (w *tensorBoardWriter) writeRecord(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	for _, chunk := range [][]byte{header[:], payload, footer[:]} {
		if _, err := w.buf.Write(chunk); err != nil {
			return errors.Wrapf(err, "failed to write events record")
		}
	}
	return nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC computes the masked CRC32-C used by the TFRecord framing.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crcTable)
	return (crc>>15 | crc<<17) + 0xa282ead8
}

// Protobuf wire-format helpers. Field tags below follow tensorflow's
// event.proto and summary.proto.

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendBytesField(buf []byte, fieldNum int, value []byte) []byte {
	buf = appendVarint(buf, uint64(fieldNum)<<3|2)
	buf = appendVarint(buf, uint64(len(value)))
	return append(buf, value...)
}

func appendDoubleField(buf []byte, fieldNum int, value float64) []byte {
	buf = appendVarint(buf, uint64(fieldNum)<<3|1)
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(value))
}

func appendFloatField(buf []byte, fieldNum int, value float32) []byte {
	buf = appendVarint(buf, uint64(fieldNum)<<3|5)
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(value))
}

func appendVarintField(buf []byte, fieldNum int, value int64) []byte {
	buf = appendVarint(buf, uint64(fieldNum)<<3|0)
	return appendVarint(buf, uint64(value))
}

// encodeVersionEvent builds Event{wall_time, file_version: "brain.Event:2"}.
func encodeVersionEvent() []byte {
	var event []byte
	event = appendDoubleField(event, 1, float64(time.Now().UnixNano())/1e9)
	event = appendBytesField(event, 3, []byte("brain.Event:2"))
	return event
}

// encodeScalarEvent builds
// Event{wall_time, step, summary: Summary{value: {tag, simple_value}}}.
func encodeScalarEvent(tag string, value float64, step int64) []byte {
	var summaryValue []byte
	summaryValue = appendBytesField(summaryValue, 1, []byte(tag))
	summaryValue = appendFloatField(summaryValue, 2, float32(value))

	var summary []byte
	summary = appendBytesField(summary, 1, summaryValue)

	var event []byte
	event = appendDoubleField(event, 1, float64(time.Now().UnixNano())/1e9)
	event = appendVarintField(event, 2, step)
	event = appendBytesField(event, 5, summary)
	return event
}
