// Package attacktest provides a small, fully cross-referenced ATT&CK bundle
// for tests in packages that depend on an ingested index.
//
// Fixture contents:
//
//	T1059      -> DET0001 -> AN0001 (Windows), AN0002 (Linux)
//	T1059.001  sub-technique of T1059, no direct strategy
//	T1003      -> DET0002 -> AN0003 (Windows)
//	T1003.001  -> DET0002
//	T1078      -> DET0003 -> AN0004 (Windows, Linux)
//	T1110      no strategy; legacy component binding from User Account Authentication
package attacktest

import (
	"bytes"
	_ "embed"
	"testing"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/logging"
)

// BundleJSON is the raw fixture bundle.
//
//go:embed bundle.json
var BundleJSON []byte

// Component STIX ids in the fixture.
const (
	ProcessCreation           = "x-mitre-data-component--pc"
	CommandExecution          = "x-mitre-data-component--ce"
	ProcessAccess             = "x-mitre-data-component--pa"
	LogonSessionCreation      = "x-mitre-data-component--lsc"
	UserAccountAuthentication = "x-mitre-data-component--uaa"
)

// Index ingests the fixture bundle, failing the test on error.
func Index(tb testing.TB) *attack.Index {
	tb.Helper()
	bundle, err := attack.ParseBundle(bytes.NewReader(BundleJSON))
	if err != nil {
		tb.Fatalf("parse fixture bundle: %v", err)
	}
	idx, err := attack.Ingest(bundle, &logging.NopLogger{})
	if err != nil {
		tb.Fatalf("ingest fixture bundle: %v", err)
	}
	return idx
}

// Service returns an initialized service over the fixture index.
func Service(tb testing.TB) *attack.Service {
	tb.Helper()
	return attack.NewServiceWithIndex(Index(tb))
}
