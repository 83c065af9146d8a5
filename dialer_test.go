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

package cloudsqlconn

import (
	"context"
	"testing"

	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/mock"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func TestDialerParsesBadInstanceName(t *testing.T) {
	d, err := NewDialer(context.Background(), WithTokenSource(stubTokenSource{}))
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	defer d.Close()

	if _, err := d.Dial(context.Background(), "not-a-valid-name"); err == nil {
		t.Fatal("want error for invalid instance connection name, got nil")
	}
}

func TestNewDialerRejectsBadIAMAuthNConfig(t *testing.T) {
	_, err := NewDialer(
		context.Background(),
		WithTokenSource(stubTokenSource{}),
		WithIAMAuthN(),
	)
	if err == nil {
		t.Fatal("want error when IAM AuthN enabled with WithTokenSource, got nil")
	}
}

func TestEngineVersion(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", "MYSQL_8_0")
	mc, url, cleanup := mock.HTTPClient(mock.InstanceGetSuccess(inst, 1), mock.CreateEphemeralSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	d, err := NewDialer(
		context.Background(),
		WithTokenSource(stubTokenSource{}),
		WithHTTPClient(mc),
		WithAdminAPIEndpoint(url),
	)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	defer d.Close()

	got, err := d.EngineVersion(context.Background(), inst.String())
	if err != nil {
		t.Fatalf("EngineVersion failed: %v", err)
	}
	if want := "MYSQL_8_0"; got != want {
		t.Fatalf("EngineVersion: want = %v, got = %v", want, got)
	}
}

func TestWarmupStartsBackgroundRefresh(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_14")
	mc, url, cleanup := mock.HTTPClient(mock.InstanceGetSuccess(inst, 1), mock.CreateEphemeralSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	d, err := NewDialer(
		context.Background(),
		WithTokenSource(stubTokenSource{}),
		WithHTTPClient(mc),
		WithAdminAPIEndpoint(url),
	)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	defer d.Close()

	if err := d.Warmup(context.Background(), inst.String()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if _, err := d.EngineVersion(context.Background(), inst.String()); err != nil {
		t.Fatalf("EngineVersion after Warmup failed: %v", err)
	}
}

func TestForceRefresh(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_14")
	mc, url, cleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 2),
		mock.CreateEphemeralSuccess(inst, 2),
	)
	defer func() {
		_ = cleanup()
	}()

	d, err := NewDialer(
		context.Background(),
		WithTokenSource(stubTokenSource{}),
		WithHTTPClient(mc),
		WithAdminAPIEndpoint(url),
	)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	defer d.Close()

	if err := d.Warmup(context.Background(), inst.String()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	if !d.ForceRefresh(inst.String()) {
		t.Fatal("first ForceRefresh should be accepted")
	}
	if d.ForceRefresh(inst.String()) {
		t.Fatal("second ForceRefresh within the rate limit window should be denied")
	}
	if d.ForceRefresh("not-a-valid-name") {
		t.Fatal("ForceRefresh with an invalid instance connection name should report false")
	}
}

func TestOptionErrorsSurfaceFromNewDialer(t *testing.T) {
	_, err := NewDialer(
		context.Background(),
		WithCredentialsFile("/does/not/exist.json"),
	)
	if err == nil {
		t.Fatal("want error for missing credentials file, got nil")
	}
}

func TestDialOptionsCompose(t *testing.T) {
	opt := DialOptions(WithPrivateIP(), WithTCPKeepAlive(0))
	cfg := &dialCfg{}
	opt(cfg)
	if cfg.ipType == "" {
		t.Fatal("expected ipType to be set by WithPrivateIP")
	}
}
