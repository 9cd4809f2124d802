// Package framing parses the two streaming wire formats the backends use:
// server-sent events and newline-delimited JSON. Both scanners are pull
// based; the caller paces the underlying network read.
package framing

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineBytes = 1024 * 1024

// DoneSentinel is the OpenAI-style end-of-stream data payload.
const DoneSentinel = "[DONE]"

// SSEScanner yields the data payload of each server-sent event. Comment,
// event, id and retry lines are skipped; multi-line data is joined with a
// newline per the SSE spec.
type SSEScanner struct {
	s *bufio.Scanner
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &SSEScanner{s: s}
}

// Next returns the next event's data bytes, or io.EOF at end of stream.
func (sc *SSEScanner) Next() ([]byte, error) {
	var data [][]byte
	for sc.s.Scan() {
		line := bytes.TrimSuffix(sc.s.Bytes(), []byte("\r"))
		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload = bytes.TrimPrefix(payload, []byte(" "))
			buf := make([]byte, len(payload))
			copy(buf, payload)
			data = append(data, buf)
		}
	}
	if err := sc.s.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}

// NDJSONScanner yields one JSON record per non-empty line.
type NDJSONScanner struct {
	s *bufio.Scanner
}

func NewNDJSONScanner(r io.Reader) *NDJSONScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &NDJSONScanner{s: s}
}

// Next returns the next record, or io.EOF at end of stream.
func (sc *NDJSONScanner) Next() ([]byte, error) {
	for sc.s.Scan() {
		line := bytes.TrimSpace(sc.s.Bytes())
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		return buf, nil
	}
	if err := sc.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
