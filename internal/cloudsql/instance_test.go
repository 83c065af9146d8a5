// Copyright 2020 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsql

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
	"github.com/GoogleCloudPlatform/cloud-db-connector/instance"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/mock"
	"golang.org/x/oauth2"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
	"google.golang.org/api/option"
)

func genRSAKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// testRSAKey is used for test only.
var testRSAKey = genRSAKey()

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func testConnName(t *testing.T) instance.ConnName {
	t.Helper()
	cn, err := instance.ParseConnName("my-project:my-region:my-instance")
	if err != nil {
		t.Fatalf("failed to parse conn name: %v", err)
	}
	return cn
}

func newTestClient(t *testing.T, opts ...*mock.Request) (*sqladmin.Service, func() error) {
	t.Helper()
	mc, url, cleanup := mock.HTTPClient(opts...)
	client, err := sqladmin.NewService(
		context.Background(),
		option.WithHTTPClient(mc),
		option.WithEndpoint(url),
		option.WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("failed to create sqladmin client: %v", err)
	}
	return client, cleanup
}

func TestConnectInfo(t *testing.T) {
	wantAddr := "0.0.0.0"
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", "MYSQL_8_0", mock.WithIPAddr(wantAddr))
	client, cleanup := newTestClient(t, mock.InstanceGetSuccess(inst, 1), mock.CreateEphemeralSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	i := NewInstance(testConnName(t), client, testRSAKey, 30*time.Second, stubTokenSource{}, "dialer-id", false)
	defer i.Close()

	gotAddr, _, err := i.ConnectInfo(context.Background(), PublicIP)
	if err != nil {
		t.Fatalf("failed to retrieve connect info: %v", err)
	}
	if gotAddr != wantAddr {
		t.Fatalf("ConnectInfo returned unexpected IP address, want = %v, got = %v", wantAddr, gotAddr)
	}
}

func TestConnectInfoErrors(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	// Use a timeout that should fail instantly.
	i := NewInstance(testConnName(t), client, testRSAKey, 0, stubTokenSource{}, "dialer-id", false)
	defer i.Close()

	_, _, err := i.ConnectInfo(context.Background(), PublicIP)
	var wantErr *errtype.DialError
	if !errors.As(err, &wantErr) {
		t.Fatalf("when connect info fails, want = %T, got = %v", wantErr, err)
	}
}

func TestClose(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	i := NewInstance(testConnName(t), client, testRSAKey, 30*time.Second, stubTokenSource{}, "dialer-id", false)
	i.Close()

	_, _, err := i.ConnectInfo(context.Background(), PublicIP)
	if err == nil || !strings.Contains(err.Error(), "context") {
		t.Fatalf("expected context canceled error, got: %v", err)
	}
}

func TestRefreshDuration(t *testing.T) {
	now := time.Now()
	tcs := []struct {
		desc   string
		expiry time.Time
		want   time.Duration
	}{
		{"greater than 1 hour", now.Add(4 * time.Hour), 2 * time.Hour},
		{"equal to 1 hour", now.Add(time.Hour), 30 * time.Minute},
		{"less than 1 hour, greater than 4 minutes", now.Add(5 * time.Minute), time.Minute},
		{"less than 4 minutes", now.Add(3 * time.Minute), 0},
		{"expiry is now", now, 0},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got := refreshDuration(now, tc.expiry)
			if got.Round(time.Second) != tc.want {
				t.Fatalf("time until refresh: want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestForceRefreshIsRateLimited(t *testing.T) {
	wantAddr := "0.0.0.0"
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", "MYSQL_8_0", mock.WithIPAddr(wantAddr))
	client, cleanup := newTestClient(t,
		mock.InstanceGetSuccess(inst, 2),
		mock.CreateEphemeralSuccess(inst, 2),
	)
	defer func() {
		// The first ForceRefresh starts a second refresh that consumes the
		// second pair of requests, and it may still be in flight when
		// cleanup runs, so cleanup's report of unconsumed requests is not
		// checked; the denied second ForceRefresh starts no refresh.
		_ = cleanup()
	}()

	i := NewInstance(testConnName(t), client, testRSAKey, 30*time.Second, stubTokenSource{}, "dialer-id", false)
	defer i.Close()

	if _, _, err := i.ConnectInfo(context.Background(), PublicIP); err != nil {
		t.Fatalf("failed to retrieve connect info: %v", err)
	}

	if !i.ForceRefresh() {
		t.Fatal("first ForceRefresh should be accepted")
	}
	if i.ForceRefresh() {
		t.Fatal("second ForceRefresh within the rate limit window should be denied")
	}
}
