// Copyright 2023 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instance

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseConnName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want ConnName
	}{
		{
			desc: "vanilla connection name",
			in:   "proj:reg:name",
			want: ConnName{project: "proj", region: "reg", name: "name"},
		},
		{
			desc: "with legacy domain-scoped project",
			in:   "google.com:proj:reg:name",
			want: ConnName{project: "google.com:proj", region: "reg", name: "name"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseConnName(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(ConnName{})); diff != "" {
				t.Fatalf("ParseConnName(%v) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseConnNameErrors(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
	}{
		{
			desc: "malformatted",
			in:   "not-correct",
		},
		{
			desc: "missing project",
			in:   "reg:name",
		},
		{
			desc: "empty",
			in:   "::",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseConnName(tc.in)
			if err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestStringAccessors(t *testing.T) {
	cn, err := ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	if got, want := cn.Project(), "my-project"; got != want {
		t.Errorf("Project() = %v, want = %v", got, want)
	}
	if got, want := cn.Region(), "my-region"; got != want {
		t.Errorf("Region() = %v, want = %v", got, want)
	}
	if got, want := cn.Name(), "my-instance"; got != want {
		t.Errorf("Name() = %v, want = %v", got, want)
	}
	if got, want := cn.String(), "my-project:my-region:my-instance"; got != want {
		t.Errorf("String() = %v, want = %v", got, want)
	}
}
