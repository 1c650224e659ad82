// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		level Level
		text  string
	}{
		{Warning, "warning"},
		{Info, "info"},
		{Debug, "debug"},
	} {
		b, err := tc.level.MarshalText()
		if err != nil {
			t.Fatalf("%v.MarshalText() failed: %v", tc.level, err)
		}
		if string(b) != tc.text {
			t.Errorf("%v.MarshalText() = %q, want %q", tc.level, b, tc.text)
		}
		var got Level
		if err := got.UnmarshalText([]byte(strings.ToUpper(tc.text))); err != nil || got != tc.level {
			t.Errorf("UnmarshalText(%q) = %v, %v, want %v", strings.ToUpper(tc.text), got, err, tc.level)
		}
	}
	if _, err := Level(7).MarshalText(); err == nil {
		t.Errorf("Level(7).MarshalText() succeeded")
	}
	var l Level
	if err := l.UnmarshalText([]byte("loud")); err == nil {
		t.Errorf("UnmarshalText(loud) succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: JSONEmitter{&Writer{Next: tw}}}
	l.Warningf("cpu %d degraded", 3)

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	if !strings.HasSuffix(tw.lines[0], "}\n") {
		t.Errorf("line %q is not newline terminated", tw.lines[0])
	}
	var got jsonRecord
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q): %v", tw.lines[0], err)
	}
	if got.Level != Warning || got.Msg != "cpu 3 degraded" {
		t.Errorf("got level %v msg %q, want %v %q", got.Level, got.Msg, Warning, "cpu 3 degraded")
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want this file", got.Caller)
	}
	if time.Since(got.Time) > time.Minute {
		t.Errorf("time %v is not recent", got.Time)
	}
}
