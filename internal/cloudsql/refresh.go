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
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/cloud-db-connector/debug"
	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
	"github.com/GoogleCloudPlatform/cloud-db-connector/instance"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/trace"
	"github.com/cenkalti/backoff"
	"golang.org/x/oauth2"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
	"google.golang.org/api/googleapi"
)

const (
	// PublicIP is the value for public IP Cloud SQL instances.
	PublicIP = "PUBLIC"
	// PrivateIP is the value for private IP Cloud SQL instances.
	PrivateIP = "PRIVATE"
	// PSC is the value for private service connect Cloud SQL instances.
	PSC = "PSC"
	// AutoIP selects public IP if available and otherwise selects private IP.
	AutoIP = "AutoIP"
)

// metadata contains information about a Cloud SQL instance needed to create
// connections.
type metadata struct {
	ipAddrs      map[string]string
	serverCACert []*x509.Certificate
	version      string
}

// refreshResult holds the information used to connect securely to a Cloud SQL
// instance once a refresh cycle completes successfully.
type refreshResult struct {
	ipAddrs map[string]string
	conf    *tls.Config
	version string
	expiry  time.Time
}

// refresher fetches the information necessary to connect securely to a Cloud
// SQL instance.
type refresher interface {
	performRefresh(ctx context.Context, cn instance.ConnName, key *rsa.PrivateKey, useIAMAuthNDial bool) (refreshResult, error)
}

// newRefresher creates a refresher backed by the Cloud SQL Admin API.
func newRefresher(client *sqladmin.Service, ts oauth2.TokenSource, dialerID string) refresher {
	return &adminAPIClient{
		client:   client,
		ts:       ts,
		dialerID: dialerID,
		logger:   debug.NewNoopContextLogger(),
	}
}

// adminAPIClient fetches instance metadata and ephemeral certificates using
// the Cloud SQL Admin API.
type adminAPIClient struct {
	// dialerID is the unique ID of the associated dialer, used for tracing.
	dialerID string
	logger   debug.ContextLogger
	client   *sqladmin.Service
	// ts supplies the OAuth2 token used for IAM DB Authn, when enabled.
	ts oauth2.TokenSource
}

// performRefresh fetches the instance's metadata and ephemeral client
// certificate concurrently, and combines the results into a refreshResult
// containing a ready-to-use tls.Config.
func (c *adminAPIClient) performRefresh(
	ctx context.Context, cn instance.ConnName, key *rsa.PrivateKey, useIAMAuthNDial bool,
) (rr refreshResult, err error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "cloudsqlconn.RefreshConnection", trace.AddInstanceName(cn.String()))
	defer func() {
		go trace.RecordRefreshResult(context.Background(), cn.String(), c.dialerID, err)
		end(err)
	}()

	type mdRes struct {
		md  metadata
		err error
	}
	mdC := make(chan mdRes, 1)
	go func() {
		defer close(mdC)
		md, err := fetchMetadata(ctx, c.client, cn)
		mdC <- mdRes{md, err}
	}()

	type certRes struct {
		cert tls.Certificate
		err  error
	}
	certC := make(chan certRes, 1)
	go func() {
		defer close(certC)
		var ts oauth2.TokenSource
		if useIAMAuthNDial {
			ts = c.ts
		}
		cert, err := fetchEphemeralCert(ctx, c.client, cn, key, ts)
		certC <- certRes{cert, err}
	}()

	var md metadata
	select {
	case r := <-mdC:
		if r.err != nil {
			return refreshResult{}, r.err
		}
		md = r.md
	case <-ctx.Done():
		return refreshResult{}, errtype.NewRefreshError("refresh failed", cn.String(), ctx.Err())
	}
	if useIAMAuthNDial {
		if err := supportsAutoIAMAuthN(md.version); err != nil {
			return refreshResult{}, errtype.NewConfigError(err.Error(), cn.String())
		}
	}

	var cert tls.Certificate
	select {
	case r := <-certC:
		if r.err != nil {
			return refreshResult{}, r.err
		}
		cert = r.cert
	case <-ctx.Done():
		return refreshResult{}, errtype.NewRefreshError("refresh failed", cn.String(), ctx.Err())
	}

	conf := createTLSConfig(cn, md.serverCACert, cert)
	var expiry time.Time
	if cert.Leaf != nil {
		expiry = cert.Leaf.NotAfter
	}
	return refreshResult{
		ipAddrs: md.ipAddrs,
		conf:    conf,
		version: md.version,
		expiry:  expiry,
	}, nil
}

// createTLSConfig returns a tls.Config that presents the ephemeral client
// certificate and trusts only the instance's server CA certificate(s). The
// server's certificate does not identify a DNS name the standard library can
// verify, so hostname verification is disabled in favor of a manual chain
// check in VerifyPeerCertificate.
func createTLSConfig(cn instance.ConnName, serverCACerts []*x509.Certificate, clientCert tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	for _, c := range serverCACerts {
		pool.AddCert(c)
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errtype.NewDialError("no certificate presented by server", cn.String(), nil)
			}
			server, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return errtype.NewDialError("failed to parse X.509 certificate", cn.String(), err)
			}
			opts := x509.VerifyOptions{Roots: pool}
			if _, err := server.Verify(opts); err != nil {
				return errtype.NewDialError("failed to verify server certificate", cn.String(), err)
			}
			return nil
		},
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		// TLS 1.2 is the floor this connector promises; requiring 1.3 here
		// is a deliberate tightening since both ends of this connection are
		// controlled by the connector and the Cloud SQL backend.
		MinVersion: tls.VersionTLS13,
		ServerName: cn.Name(),
	}
}

// fetchMetadata uses the Cloud SQL Admin API's connect.get method (the
// instance's connectSettings resource), not instances.get, to retrieve the
// information about a Cloud SQL instance needed to create secure
// connections.
func fetchMetadata(ctx context.Context, client *sqladmin.Service, cn instance.ConnName) (metadata, error) {
	db, err := retry50x(ctx, func(ctx2 context.Context) (*sqladmin.ConnectSettings, error) {
		return client.Connect.Get(cn.Project(), cn.Name()).Context(ctx2).Do()
	})
	if err != nil {
		return metadata{}, errtype.NewRefreshError("failed to get instance metadata", cn.String(), classifyAPIError(cn.Project(), err))
	}

	if db.Region != cn.Region() {
		msg := fmt.Sprintf("provided region was mismatched - got %s, want %s", cn.Region(), db.Region)
		return metadata{}, errtype.NewConfigError(msg, cn.String())
	}
	if db.BackendType != "SECOND_GEN" {
		return metadata{}, errtype.NewConfigError(
			"unsupported instance - only Second Generation instances are supported", cn.String(),
		)
	}

	ipAddrs := make(map[string]string)
	for _, ip := range db.IpAddresses {
		switch ip.Type {
		case "PRIMARY":
			ipAddrs[PublicIP] = ip.IpAddress
		case "PRIVATE":
			ipAddrs[PrivateIP] = ip.IpAddress
		}
	}
	if db.PscEnabled && db.DnsName != "" {
		ipAddrs[PSC] = db.DnsName
	}
	if len(ipAddrs) == 0 {
		return metadata{}, errtype.NewConfigError(
			"cannot connect to instance - it has no supported IP addresses", cn.String(),
		)
	}

	var caCerts []*x509.Certificate
	rest := []byte(db.ServerCaCert.Cert)
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return metadata{}, errtype.NewRefreshError(
				fmt.Sprintf("failed to parse as X.509 certificate: %v", err), cn.String(), nil,
			)
		}
		caCerts = append(caCerts, cert)
	}
	if len(caCerts) == 0 {
		return metadata{}, errtype.NewRefreshError("failed to decode valid PEM cert", cn.String(), nil)
	}

	return metadata{
		ipAddrs:      ipAddrs,
		serverCACert: caCerts,
		version:      db.DatabaseVersion,
	}, nil
}

// fetchEphemeralCert uses the Cloud SQL Admin API's generateEphemeralCert
// method to create a short-lived client certificate signed by the instance's
// server-side CA. The resulting certificate is valid for approximately one
// hour.
func fetchEphemeralCert(
	ctx context.Context,
	client *sqladmin.Service,
	cn instance.ConnName,
	key *rsa.PrivateKey,
	ts oauth2.TokenSource,
) (tls.Certificate, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return tls.Certificate{}, errtype.NewRefreshError("failed to marshal public key", cn.String(), err)
	}

	req := sqladmin.GenerateEphemeralCertRequest{
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pub})),
	}
	var tok *oauth2.Token
	if ts != nil {
		tok, err = ts.Token()
		if err != nil {
			return tls.Certificate{}, errtype.NewRefreshError("failed to retrieve OAuth2 token", cn.String(), err)
		}
		req.AccessToken = tok.AccessToken
	}

	resp, err := retry50x(ctx, func(ctx2 context.Context) (*sqladmin.GenerateEphemeralCertResponse, error) {
		return client.Connect.GenerateEphemeralCert(cn.Project(), cn.Name(), &req).Context(ctx2).Do()
	})
	if err != nil {
		return tls.Certificate{}, errtype.NewRefreshError("create ephemeral cert failed", cn.String(), classifyAPIError(cn.Project(), err))
	}

	b, _ := pem.Decode([]byte(resp.EphemeralCert.Cert))
	if b == nil {
		return tls.Certificate{}, errtype.NewRefreshError("failed to decode valid PEM cert", cn.String(), nil)
	}
	clientCert, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return tls.Certificate{}, errtype.NewRefreshError(
			fmt.Sprintf("failed to parse as X.509 certificate: %v", err), cn.String(), nil,
		)
	}
	if ts != nil && tok.Expiry.Before(clientCert.NotAfter) {
		clientCert.NotAfter = tok.Expiry
	}

	return tls.Certificate{
		Certificate: [][]byte{clientCert.Raw},
		PrivateKey:  key,
		Leaf:        clientCert,
	}, nil
}

// supportsAutoIAMAuthN reports whether the engine version supports automatic
// IAM database authentication.
func supportsAutoIAMAuthN(version string) error {
	switch {
	case strings.HasPrefix(version, "POSTGRES"):
		return nil
	case strings.HasPrefix(version, "MYSQL"):
		return nil
	default:
		return fmt.Errorf("%s does not support Auto IAM DB Authentication", version)
	}
}

// classifyAPIError maps well-known SQL Admin API error reasons to more
// actionable messages, wrapping the original error for inspection by callers.
func classifyAPIError(projectID string, err error) error {
	var gErr *googleapi.Error
	if !asGoogleAPIError(err, &gErr) {
		return err
	}
	for _, e := range gErr.Errors {
		switch e.Reason {
		case "accessNotConfigured":
			return fmt.Errorf(
				"ensure that the Cloud SQL Admin API is enabled for project %q (%w)", projectID, err,
			)
		case "notAuthorized":
			return fmt.Errorf(
				"ensure that the account has access to the instance and that the Cloud SQL Admin API is enabled (%w)", err,
			)
		}
	}
	return err
}

// asGoogleAPIError reports whether err is, or wraps, a *googleapi.Error,
// storing the result in target when true.
func asGoogleAPIError(err error, target **googleapi.Error) bool {
	if gErr, ok := err.(*googleapi.Error); ok {
		*target = gErr
		return true
	}
	return false
}

// retry50x retries fn using an exponential backoff strategy whenever it
// returns a 5xx error from the SQL Admin API, giving transient server-side
// failures a chance to clear before surfacing an error to the caller.
func retry50x[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	op := func() error {
		r, err := fn(ctx)
		if err != nil {
			var gErr *googleapi.Error
			if ok := asGoogleAPIError(err, &gErr); ok && gErr.Code >= 500 && gErr.Code < 600 {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return result, err
	}
	return result, nil
}
