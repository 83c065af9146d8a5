// Copyright 2022 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//      http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mock provides fakes useful for testing the connector without
// calling the real Cloud SQL Admin API.
package mock

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// Request represents an HTTP request that a test server should mock a
// response for.
type Request struct {
	sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(resp http.ResponseWriter, req *http.Request)
}

// matches returns true if a given http.Request should be handled by this
// Request, and decrements the remaining expected call count.
func (r *Request) matches(hr *http.Request) bool {
	r.Lock()
	defer r.Unlock()
	if r.reqMethod != "" && r.reqMethod != hr.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hr.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// HTTPClient returns an *http.Client, the URL it's configured against, and a
// cleanup function. The client talks to a TLS test server that answers the
// given requests, returning 501 for anything unexpected. The cleanup
// function closes the server and reports an error if any request wasn't
// fully consumed.
func HTTPClient(requests ...*Request) (*http.Client, string, func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			for _, r := range requests {
				if r.matches(req) {
					r.handle(resp, req)
					return
				}
			}
			resp.WriteHeader(http.StatusNotImplemented)
			fmt.Fprintf(resp, "unexpected request sent to mock client: %v", req)
		},
	))
	cleanup := func() error {
		s.Close()
		for i, r := range requests {
			if r.reqCt > 0 {
				return fmt.Errorf("%d calls left for specified call in pos %d: %v", r.reqCt, i, r)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}

// FakeCSQLInstance represents the settings of a fake Cloud SQL instance used
// for testing.
type FakeCSQLInstance struct {
	project   string
	region    string
	name      string
	dbVersion string
	// ipAddrs is a map of IP type (PUBLIC, PRIVATE, PSC) to address.
	ipAddrs     map[string]string
	backendType string
	pscEnabled  bool
	key         *rsa.PrivateKey
	cert        *x509.Certificate
}

// Option configures a FakeCSQLInstance.
type Option func(*FakeCSQLInstance)

// WithIPAddr sets the public IP address of the fake instance.
func WithIPAddr(addr string) Option {
	return func(f *FakeCSQLInstance) { f.ipAddrs["PUBLIC"] = addr }
}

// WithPrivateIP sets the private IP address of the fake instance.
func WithPrivateIP(addr string) Option {
	return func(f *FakeCSQLInstance) { f.ipAddrs["PRIVATE"] = addr }
}

// WithPSC enables a PSC DNS name for the fake instance.
func WithPSC(dnsName string) Option {
	return func(f *FakeCSQLInstance) {
		f.pscEnabled = true
		f.ipAddrs["PSC"] = dnsName
	}
}

// String returns the instance connection name.
func (f FakeCSQLInstance) String() string {
	return fmt.Sprintf("%s:%s:%s", f.project, f.region, f.name)
}

// NewFakeCSQLInstance returns a FakeCSQLInstance configured with sensible
// defaults for testing.
func NewFakeCSQLInstance(project, region, name, dbVersion string, opts ...Option) FakeCSQLInstance {
	key, cert, err := generateCerts(project, name)
	if err != nil {
		panic(err)
	}
	f := FakeCSQLInstance{
		project:     project,
		region:      region,
		name:        name,
		ipAddrs:     map[string]string{"PUBLIC": "0.0.0.0"},
		dbVersion:   dbVersion,
		backendType: "SECOND_GEN",
		key:         key,
		cert:        cert,
	}
	for _, o := range opts {
		o(&f)
	}
	return f
}

func (f FakeCSQLInstance) signedCert() ([]byte, error) {
	certBytes, err := x509.CreateCertificate(rand.Reader, f.cert, f.cert, &f.key.PublicKey, f.key)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := pem.Encode(buf, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f FakeCSQLInstance) clientCert(pubKey *rsa.PublicKey) ([]byte, error) {
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"Google, Inc"},
			CommonName:   "Google Cloud SQL Client",
		},
		NotBefore:             time.Now(),
		NotAfter:              f.cert.NotAfter,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, cert, f.cert, pubKey, f.key)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := pem.Encode(buf, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// generateCerts generates a private key and self-signed CA certificate for a
// fake Cloud SQL instance.
func generateCerts(project, name string) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("%s:%s", project, name)},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(0, 0, 1),
		IsCA:         true,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	return key, cert, nil
}

// InstanceGetSuccess returns a Request that responds to the connect.get
// (connectSettings) SQL Admin endpoint with a successful ConnectSettings
// payload.
func InstanceGetSuccess(i FakeCSQLInstance, ct int) *Request {
	var ips []*sqladmin.IpMapping
	for ipType, addr := range i.ipAddrs {
		switch ipType {
		case "PUBLIC":
			ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIMARY"})
		case "PRIVATE":
			ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIVATE"})
		}
	}
	certBytes, err := i.signedCert()
	if err != nil {
		panic(err)
	}
	db := &sqladmin.ConnectSettings{
		BackendType:     i.backendType,
		DatabaseVersion: i.dbVersion,
		Region:          i.region,
		IpAddresses:     ips,
		ServerCaCert:    &sqladmin.SslCert{Cert: string(certBytes)},
		PscEnabled:      i.pscEnabled,
		DnsName:         i.ipAddrs["PSC"],
	}
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s/connectSettings", i.project, i.name),
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := db.MarshalJSON()
			if err != nil {
				http.Error(resp, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}

// CreateEphemeralSuccess returns a Request that responds to the
// connect.generateEphemeralCert SQL Admin endpoint with a signed client
// certificate.
func CreateEphemeralSuccess(i FakeCSQLInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodPost,
		reqPath:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s:generateEphemeralCert", i.project, i.name),
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			defer req.Body.Close()
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to read body: %w", err).Error(), http.StatusBadRequest)
				return
			}
			var eR sqladmin.GenerateEphemeralCertRequest
			if err := json.Unmarshal(b, &eR); err != nil {
				http.Error(resp, fmt.Errorf("invalid or unexpected json: %w", err).Error(), http.StatusBadRequest)
				return
			}
			bl, _ := pem.Decode([]byte(eR.PublicKey))
			if bl == nil {
				http.Error(resp, "unable to decode PublicKey", http.StatusBadRequest)
				return
			}
			pubKey, err := x509.ParsePKIXPublicKey(bl.Bytes)
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to parse PublicKey: %w", err).Error(), http.StatusBadRequest)
				return
			}
			certBytes, err := i.clientCert(pubKey.(*rsa.PublicKey))
			if err != nil {
				http.Error(resp, fmt.Errorf("failed to sign client certificate: %v", err).Error(), http.StatusBadRequest)
				return
			}
			certResp := sqladmin.GenerateEphemeralCertResponse{
				EphemeralCert: &sqladmin.SslCert{
					Cert:           string(certBytes),
					CommonName:     "Google Cloud SQL Client",
					CreateTime:     time.Now().Format(time.RFC3339),
					ExpirationTime: i.cert.NotAfter.Format(time.RFC3339),
					Instance:       i.name,
				},
			}
			b, err = certResp.MarshalJSON()
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to encode response: %w", err).Error(), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}
