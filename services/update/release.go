// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package update holds the release graph data model for Aleutian Update.
//
// A Graph is an in-memory DAG of software releases and permitted upgrade
// edges. Each request served by the policy engine owns its own Graph value
// end to end; nothing in this package is shared across requests, so the
// graph itself carries no locking.
package update

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
)

// Release is one version of the distributed software. It is a sealed sum
// type: the only implementations are *ConcreteRelease and *AbstractRelease.
// Consumers are expected to type-switch over both variants.
type Release interface {
	isRelease()
}

// ConcreteRelease is a fully resolved release: a semantic version, an opaque
// payload reference (typically a container image reference), and a free-form
// metadata table used by policy plugins to carry annotations such as
// "failure_ratio". Metadata keys are opaque to the graph itself.
type ConcreteRelease struct {
	Version  string
	Payload  string
	Metadata map[string]string
}

// AbstractRelease is a placeholder for a release whose full metadata is not
// yet resolvable. It carries only a version: no payload, no metadata.
type AbstractRelease struct {
	Version string
}

func (*ConcreteRelease) isRelease() {}
func (*AbstractRelease) isRelease() {}

// Version returns the version string of either release variant.
func Version(r Release) string {
	switch r := r.(type) {
	case *ConcreteRelease:
		return r.Version
	case *AbstractRelease:
		return r.Version
	default:
		// The Release interface is sealed; this is unreachable.
		panic(fmt.Sprintf("update: unknown release variant %T", r))
	}
}

// SemVer parses the release's version string as a semantic version.
//
// Outputs:
//
//	*semver.Version - The parsed version, suitable for ordering.
//	error - Non-nil if the version string is not valid semver.
func SemVer(r Release) (*semver.Version, error) {
	v, err := semver.NewVersion(Version(r))
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", Version(r), err)
	}
	return v, nil
}
