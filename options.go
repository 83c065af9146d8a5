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
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/cloudsql"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// An Option is an option for configuring a Dialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey         *rsa.PrivateKey
	sqladminOpts   []apiopt.ClientOption
	dialOpts       []DialOption
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout time.Duration
	useragents     []string

	setCredentials         bool
	useIAMAuthN            bool
	setTokenSource         bool
	setIAMAuthNTokenSource bool
	iamLoginTokenSource    oauth2.TokenSource

	// err tracks any dialer options that may have failed.
	err error
}

// WithOptions turns a list of Option's into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile returns an Option that specifies a service account or
// refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account or
// refresh token JSON credentials to be used as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, sqladmin.SqlserviceAdminScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.setCredentials = true
		d.sqladminOpts = append(d.sqladminOpts, apiopt.WithCredentials(c))
		d.iamLoginTokenSource = c.TokenSource
	}
}

// WithUserAgent returns an Option that appends the given string to the
// dialer's User-Agent header sent to the Cloud SQL Admin API.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.useragents = append(d.useragents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions applied to every call to Dial.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source to
// be used as the basis for authentication against the Cloud SQL Admin API.
// This cannot be used together with WithIAMAuthN; use
// WithIAMAuthNTokenSources instead.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.setTokenSource = true
		d.sqladminOpts = append(d.sqladminOpts, apiopt.WithTokenSource(s))
	}
}

// WithIAMAuthNTokenSources returns an Option that specifies two OAuth2 token
// sources: one used for the Cloud SQL Admin API, and the other scoped for
// IAM database authentication login tokens embedded in the ephemeral
// certificate.
func WithIAMAuthNTokenSources(adminTS, loginTS oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.setTokenSource = true
		d.setIAMAuthNTokenSource = true
		d.sqladminOpts = append(d.sqladminOpts, apiopt.WithTokenSource(adminTS))
		d.iamLoginTokenSource = loginTS
	}
}

// WithRSAKey returns an Option that specifies an rsa.PrivateKey used to
// represent the client.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout returns an Option that sets a timeout on refresh
// operations. Defaults to 60s.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithHTTPClient configures the underlying Cloud SQL Admin API client with
// the provided HTTP client. This option is generally unnecessary except for
// advanced use-cases such as testing.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.sqladminOpts = append(d.sqladminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying Cloud SQL Admin API client
// to use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.sqladminOpts = append(d.sqladminOpts, apiopt.WithEndpoint(url))
	}
}

// WithDialFunc configures the function used to connect to the address on the
// named network. This option is generally unnecessary except for advanced
// use-cases. The function is used for all invocations of Dial. To configure
// a dial function for individual calls to Dial, use WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM database authentication. When no token
// source has been configured via WithIAMAuthNTokenSources, the dialer uses
// the credentials given to WithCredentialsFile or WithCredentialsJSON if
// either was used, and otherwise falls back to the application default
// credentials scoped for IAM DB login.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

// A DialOption configures how an individual call to Dialer.Dial behaves.
type DialOption func(d *dialCfg)

type dialCfg struct {
	ipType       string
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive time.Duration
	useIAMAuthN  bool
}

// DialOptions turns a list of DialOption instances into a single DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithPublicIP returns a DialOption that specifies a public IP will be used
// to connect. This is the default behavior unless WithPrivateIP is set.
func WithPublicIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PublicIP
	}
}

// WithPrivateIP returns a DialOption that specifies a private IP will be
// used to connect.
func WithPrivateIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PrivateIP
	}
}

// WithPSC returns a DialOption that specifies a Private Service Connect
// endpoint will be used to connect.
func WithPSC() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.PSC
	}
}

// WithAutoIP returns a DialOption that specifies a public IP will be used to
// connect if one is available, falling back to a private IP otherwise.
func WithAutoIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = cloudsql.AutoIP
	}
}

// WithOneOffDialFunc configures the dial function for an individual call to
// Dial. To configure a dial function across all invocations of Dial, use
// WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(cfg *dialCfg) {
		cfg.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that specifies the TCP keep-alive
// period for the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}
