// Copyright 2022 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgxv5

import (
	"testing"

	"github.com/GoogleCloudPlatform/cloud-db-connector"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func TestRegisterDriver(t *testing.T) {
	cleanup, err := RegisterDriver("cloudsql-postgres-test", cloudsqlconn.WithTokenSource(stubTokenSource{}))
	if err != nil {
		t.Fatalf("RegisterDriver failed: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
}

func TestUnixSocketPathRegex(t *testing.T) {
	dsn := "host=my-project:my-region:my-instance user=me unixSocketPath=/tmp/my-socket"
	m := unixSocketPathRegex.FindStringSubmatch(dsn)
	if m == nil {
		t.Fatal("expected unixSocketPath to match")
	}
	if want := "/tmp/my-socket"; m[1] != want {
		t.Fatalf("unixSocketPath: want = %v, got = %v", want, m[1])
	}
	stripped := unixSocketPathRegex.ReplaceAllString(dsn, "")
	if want := "host=my-project:my-region:my-instance user=me"; stripped != want {
		t.Fatalf("stripped DSN: want = %q, got = %q", want, stripped)
	}
}
