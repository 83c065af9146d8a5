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
	"testing"

	"github.com/GoogleCloudPlatform/cloud-db-connector/instance"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/mock"
)

func TestPerformRefresh(t *testing.T) {
	wantAddr := "127.0.0.1"
	inst := mock.NewFakeCSQLInstance(
		"some-project", "some-region", "some-instance", "MYSQL_8_0",
		mock.WithIPAddr(wantAddr), mock.WithPrivateIP("10.0.0.1"),
	)
	client, cleanup := newTestClient(t, mock.InstanceGetSuccess(inst, 1), mock.CreateEphemeralSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cn, err := instance.ParseConnName(inst.String())
	if err != nil {
		t.Fatalf("%v", err)
	}
	r := newRefresher(client, stubTokenSource{}, "some-dialer-id")
	res, err := r.performRefresh(context.Background(), cn, testRSAKey, false)
	if err != nil {
		t.Fatalf("performRefresh failed: %v", err)
	}
	if got := res.ipAddrs[PublicIP]; got != wantAddr {
		t.Errorf("public IP: want = %v, got = %v", wantAddr, got)
	}
	if got := res.ipAddrs[PrivateIP]; got != "10.0.0.1" {
		t.Errorf("private IP: want = 10.0.0.1, got = %v", got)
	}
	if res.conf == nil {
		t.Fatal("expected non-nil tls.Config")
	}
	if len(res.conf.Certificates) != 1 {
		t.Fatalf("expected one client certificate, got %d", len(res.conf.Certificates))
	}
	if res.version != "MYSQL_8_0" {
		t.Errorf("version: want = MYSQL_8_0, got = %v", res.version)
	}
}

func TestPerformRefreshRegionMismatch(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("some-project", "some-region", "some-instance", "MYSQL_8_0")
	client, cleanup := newTestClient(t, mock.InstanceGetSuccess(inst, 1))
	defer func() { _ = cleanup() }()

	cn, err := instance.ParseConnName("some-project:wrong-region:some-instance")
	if err != nil {
		t.Fatalf("%v", err)
	}
	r := newRefresher(client, stubTokenSource{}, "some-dialer-id")
	_, err = r.performRefresh(context.Background(), cn, testRSAKey, false)
	if err == nil {
		t.Fatal("want region mismatch error, got nil")
	}
}

func TestSupportsAutoIAMAuthN(t *testing.T) {
	tcs := []struct {
		version string
		wantErr bool
	}{
		{"POSTGRES_14", false},
		{"MYSQL_8_0", false},
		{"SQLSERVER_2019_STANDARD", true},
	}
	for _, tc := range tcs {
		err := supportsAutoIAMAuthN(tc.version)
		if (err != nil) != tc.wantErr {
			t.Errorf("supportsAutoIAMAuthN(%v): want err = %v, got = %v", tc.version, tc.wantErr, err)
		}
	}
}
