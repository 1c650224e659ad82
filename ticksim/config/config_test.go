// Copyright 2026 The gVisor Authors.
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

package config

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticksim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if got, want := c.Period(), time.Millisecond; got != want {
		t.Errorf("Period()=%v, want: %v", got, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, val := range map[string]string{
		"cpus":      "4",
		"hz":        "250",
		"nohz-full": "1-3",
		"seed":      "42",
		"format":    "yaml",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := 4; c.CPUs != want {
		t.Errorf("CPUs=%v, want: %v", c.CPUs, want)
	}
	if want := 4 * time.Millisecond; c.Period() != want {
		t.Errorf("Period()=%v, want: %v", c.Period(), want)
	}
	if want := (CPUList{1, 2, 3}); !cmp.Equal(c.NoHZFull, want) {
		t.Errorf("NoHZFull=%v, want: %v", c.NoHZFull, want)
	}
	if want := uint64(42); c.Seed != want {
		t.Errorf("Seed=%v, want: %v", c.Seed, want)
	}
	if want := "yaml"; c.Format != want {
		t.Errorf("Format=%v, want: %v", c.Format, want)
	}

	tc, err := c.TickConfig()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, tc.FullCPUs); diff != "" {
		t.Errorf("TickConfig().FullCPUs mismatch (-want +got):\n%s", diff)
	}
	if tc.NumCPUs != 4 || tc.Period != 4*time.Millisecond || !tc.NoHZ {
		t.Errorf("TickConfig()=%+v", tc)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	want := []string{"--cpus=8", "--nohz=false", "--nohz-full=2,4-5", "--max-deferment=10ms", "--trials=3"}
	testFlags := newFlagSet()
	if err := testFlags.Parse(want); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
cpus = 6
hz = 100
nohz_full = "1,3-5"
max_deferment = "50ms"
steps = 500
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:   path,
		CPUs:         6,
		HZ:           100,
		NoHZ:         true,
		NoHZFull:     CPUList{1, 3, 4, 5},
		MaxDeferment: 50 * time.Millisecond,
		Seed:         1,
		Steps:        500,
		Trials:       1,
		Duration:     time.Second,
		Format:       "json",
		LogFormat:    "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "cpus = 6\nhz = 100\n")
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--config=" + path, "--hz=500"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.CPUs != 6 {
		t.Errorf("CPUs=%d, want: 6", c.CPUs)
	}
	if c.HZ != 500 {
		t.Errorf("HZ=%d, want: 500", c.HZ)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		invalid  bool
	}{
		{name: "unknown key", contents: "cpus = 2\nticks = 3\n", invalid: true},
		{name: "bad hz", contents: "hz = 0\n", invalid: true},
		{name: "bad format", contents: `format = "xml"`, invalid: true},
		{name: "host without duration", contents: "host = true\nduration = \"0s\"\n", invalid: true},
		{name: "bad cpu list", contents: `nohz_full = "3-1"`},
		{name: "syntax", contents: "cpus = \n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.contents))
			if err == nil {
				t.Fatalf("Load() succeeded, want error")
			}
			if got := errors.Is(err, ErrInvalid); got != tc.invalid {
				t.Errorf("errors.Is(%v, ErrInvalid)=%t, want: %t", err, got, tc.invalid)
			}
		})
	}
}

func TestWriteTOML(t *testing.T) {
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--cpus=3", "--nohz-full=1-2", "--max-deferment=5ms"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := c.WriteTOML(&b); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, b.String())
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config:\n%s\nfailed: %v", b.String(), err)
	}
	c.ConfigFile = path
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("written config reloads differently (-want +got):\n%s", diff)
	}
}

func TestCPUList(t *testing.T) {
	var l CPUList
	if err := l.Set("0,2-3"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(CPUList{0, 2, 3}, l); diff != "" {
		t.Errorf("Set() mismatch (-want +got):\n%s", diff)
	}
	if got, want := l.String(), "0,2-3"; got != want {
		t.Errorf("String()=%q, want: %q", got, want)
	}
	if err := l.Set(""); err != nil || l != nil {
		t.Errorf("Set(\"\")=%v, list %v; want nil, empty list", err, l)
	}
	if err := l.Set("x"); err == nil {
		t.Errorf("Set(\"x\") succeeded, want error")
	}
}
