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

package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"gvisor.dev/dyntick/pkg/sentry/ktime"
	"gvisor.dev/dyntick/pkg/sentry/nohz"
	"gvisor.dev/dyntick/ticksim/sim"
)

func testReport() *sim.Report {
	return &sim.Report{
		Trials: []sim.Result{{
			Seed:    3,
			Steps:   10,
			Elapsed: 5 * time.Millisecond,
			Jiffies: 5,
			Actions: map[string]uint64{"idle": 2},
			CPUs: []nohz.CPUStats{{
				CPU:         0,
				Online:      true,
				Mode:        nohz.ModeActive,
				Stopped:     true,
				NextTick:    ktime.MaxTime,
				TickExpires: ktime.FromNanoseconds(int64(6 * time.Millisecond)),
			}},
		}},
		Metrics: map[string]uint64{"/nohz/tick_restarts": 1},
	}
}

func TestWriteValue(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var b bytes.Buffer
			if err := writeValue(&b, format, testReport()); err != nil {
				t.Fatalf("writeValue() failed: %v", err)
			}
			var got struct {
				Trials []struct {
					Seed uint64 `json:"seed" yaml:"seed"`
					CPUs []struct {
						Mode    string `json:"mode" yaml:"mode"`
						Stopped bool   `json:"stopped" yaml:"stopped"`
					} `json:"cpus" yaml:"cpus"`
				} `json:"trials" yaml:"trials"`
				Metrics map[string]uint64 `json:"metrics" yaml:"metrics"`
			}
			var err error
			if format == "json" {
				err = json.Unmarshal(b.Bytes(), &got)
			} else {
				err = yaml.Unmarshal(b.Bytes(), &got)
			}
			if err != nil {
				t.Fatalf("decoding %s report:\n%s\nfailed: %v", format, b.String(), err)
			}
			if len(got.Trials) != 1 || got.Trials[0].Seed != 3 || len(got.Trials[0].CPUs) != 1 {
				t.Fatalf("decoded report %+v", got)
			}
			if cpu := got.Trials[0].CPUs[0]; cpu.Mode != "active" || !cpu.Stopped {
				t.Errorf("CPU 0 = %+v, want active and stopped", cpu)
			}
			if diff := cmp.Diff(map[string]uint64{"/nohz/tick_restarts": 1}, got.Metrics); diff != "" {
				t.Errorf("metrics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteValueUnknownFormat(t *testing.T) {
	if err := writeValue(&bytes.Buffer{}, "xml", testReport()); err == nil {
		t.Errorf("writeValue(xml) succeeded, want error")
	}
}
