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

// Package instance parses instance connection names.
package instance

import (
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
)

// ConnName represents the "instance connection name", in the format
// "project:region:name".
type ConnName struct {
	project string
	region  string
	name    string
}

// String returns the instance connection name in its canonical form.
func (c ConnName) String() string {
	return fmt.Sprintf("%s:%s:%s", c.project, c.region, c.name)
}

// Project returns the project within which the Cloud SQL instance runs.
func (c ConnName) Project() string {
	return c.project
}

// Region returns the region where the Cloud SQL instance runs.
func (c ConnName) Region() string {
	return c.region
}

// Name returns the Cloud SQL instance name.
func (c ConnName) Name() string {
	return c.name
}

// ParseConnName decomposes a PROJECT:REGION:INSTANCE identifier into its
// three fields. PROJECT may itself carry one embedded colon for legacy
// "domain-scoped" projects (e.g. "google.com:my-project"), so the split
// works from the right: the last field is always the instance name, the
// second-to-last is always the region, and whatever colon-joined segments
// remain on the left make up the project. That leaves either 3 or 4
// colon-delimited fields as valid; anything else, or any empty field,
// is rejected.
func ParseConnName(cn string) (ConnName, error) {
	invalid := func() (ConnName, error) {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name, expected PROJECT:REGION:INSTANCE",
			cn,
		)
	}
	parts := strings.Split(cn, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return invalid()
	}
	for _, p := range parts {
		if p == "" {
			return invalid()
		}
	}
	last := len(parts) - 1
	c := ConnName{
		project: strings.Join(parts[:last-1], ":"),
		region:  parts[last-1],
		name:    parts[last],
	}
	return c, nil
}
