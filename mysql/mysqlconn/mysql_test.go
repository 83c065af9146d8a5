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

package mysqlconn

import (
	"strings"
	"testing"

	"github.com/GoogleCloudPlatform/cloud-db-connector"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func TestRegisterDriver(t *testing.T) {
	cleanup, err := RegisterDriver("cloudsql-mysql-test", cloudsqlconn.WithTokenSource(stubTokenSource{}))
	if err != nil {
		t.Fatalf("RegisterDriver failed: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
}

func TestUnixSocketPrefix(t *testing.T) {
	addr := "unix:/tmp/my-socket"
	path, ok := strings.CutPrefix(addr, unixSocketPrefix)
	if !ok {
		t.Fatal("expected addr to carry the unix socket prefix")
	}
	if want := "/tmp/my-socket"; path != want {
		t.Fatalf("path: want = %v, got = %v", want, path)
	}

	if _, ok := strings.CutPrefix("my-project:my-region:my-instance", unixSocketPrefix); ok {
		t.Fatal("instance connection name should not match the unix socket prefix")
	}
}
