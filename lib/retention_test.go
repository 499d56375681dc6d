package ushelf

import (
	"reflect"
	"testing"
)

type parseRetentionPolicyTest struct {
	s      string
	result RetentionPolicy
}

func TestParseRetentionPolicy(t *testing.T) {
	tests := []parseRetentionPolicyTest{
		{s: "hourly=24", result: RetentionPolicy{Interval: 3600, Count: 24}},
		{s: "daily=7", result: RetentionPolicy{Interval: 24 * 3600, Count: 7}},
		{s: "weekly=4", result: RetentionPolicy{Interval: 7 * 24 * 3600, Count: 4}},
		{s: "monthly=12", result: RetentionPolicy{Interval: 30 * 24 * 3600, Count: 12}},
		{s: "yearly=2", result: RetentionPolicy{Interval: 365 * 24 * 3600, Count: 2}},
		{s: "3d=4", result: RetentionPolicy{Interval: 3 * 24 * 3600, Count: 4}},
		{s: " 5w = 6 ", result: RetentionPolicy{Interval: 5 * 7 * 24 * 3600, Count: 6}},
		{s: "11=12", result: RetentionPolicy{Interval: 11, Count: 12}},
	}

	for _, test := range tests {
		result, err := ParseRetentionPolicy(test.s)
		if err != nil {
			t.Errorf("failed to parse retention policy: %v: %v", test.s, err)
		} else if !reflect.DeepEqual(result, test.result) {
			t.Errorf("do not match: %v %v (from %v)", test.result, result, test.s)
		}
	}

	for _, invalid := range []string{"daily", "daily=x", "=3", "daily=-1", "fortnightly=2"} {
		if _, err := ParseRetentionPolicy(invalid); err == nil {
			t.Errorf("expected an error for %q", invalid)
		}
	}
}

func TestRetentionPolicy(t *testing.T) {
	ids := []RetentionPolicySubject{
		ManifestID("20210131T000000.000-00000001"),
		ManifestID("20210130T120000.000-00000002"),
		ManifestID("20210130T000002.000-00000003"),
		ManifestID("20210129T000001.000-00000004"),
		ManifestID("20210128T000000.000-00000005"),
		ManifestID("20210127T000000.000-00000006"),
	}
	policies := []RetentionPolicy{{Interval: 24 * 3600, Count: 4}}
	expected := map[string]struct{}{
		ids[0].Name(): {},
		ids[2].Name(): {},
		ids[3].Name(): {},
		ids[4].Name(): {},
	}

	retained, err := ApplyRetentionPolicies(policies, ids)
	if err != nil {
		t.Error(err)
	} else if !reflect.DeepEqual(retained, expected) {
		t.Errorf("expected: %v, got: %v", expected, retained)
	}

	// Policies are cumulative
	policies = []RetentionPolicy{{Interval: 0, Count: 1}, {Interval: 2 * 24 * 3600, Count: 2}}
	expected = map[string]struct{}{
		ids[0].Name(): {},
		ids[3].Name(): {},
	}

	retained, err = ApplyRetentionPolicies(policies, ids)
	if err != nil {
		t.Error(err)
	} else if !reflect.DeepEqual(retained, expected) {
		t.Errorf("expected: %v, got: %v", expected, retained)
	}
}

func TestPrunedManifests(t *testing.T) {
	ids := []ManifestID{
		"20210131T000000.000-00000001",
		"20210130T120000.000-00000002",
		"20210130T000002.000-00000003",
		"20210129T000001.000-00000004",
	}

	// Without policy, everything is kept
	pruned, err := GetPrunedManifests(ids, nil, nil)
	if err != nil {
		t.Error(err)
	} else if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got: %v", pruned)
	}

	// Keep only the most recent one (like MAX_RECENT_BACKUPS=1)
	policies := []RetentionPolicy{{Interval: 0, Count: 1}}
	pruned, err = GetPrunedManifests(ids, nil, policies)
	if err != nil {
		t.Error(err)
	} else if !reflect.DeepEqual(pruned, ids[1:]) {
		t.Errorf("expected: %v, got: %v", ids[1:], pruned)
	}

	// Latest manifest of each library is always kept
	latest := map[string]ManifestID{"books": ids[0], "manga": ids[2]}
	pruned, err = GetPrunedManifests(ids, latest, policies)
	if err != nil {
		t.Error(err)
	} else if !reflect.DeepEqual(pruned, []ManifestID{ids[1], ids[3]}) {
		t.Errorf("expected: %v, got: %v", []ManifestID{ids[1], ids[3]}, pruned)
	}
}

func TestManifestID(t *testing.T) {
	id, err := ParseManifestID("20261019T101500.123-1a2b3c4d")
	if err != nil {
		t.Fatal(err)
	}

	tm, err := id.Time()
	if err != nil {
		t.Fatal(err)
	}
	if tm.Year() != 2026 || tm.Month() != 10 || tm.Day() != 19 || tm.Hour() != 10 || tm.Nanosecond() != 123000000 {
		t.Errorf("unexpected time: %v", tm)
	}

	for _, invalid := range []string{"20261019T101500.123", "20261019T101500.123-XYZ", "../etc/passwd"} {
		if _, err := ParseManifestID(invalid); err == nil {
			t.Errorf("expected an error for %q", invalid)
		}
	}

	fresh := NewManifestID(tm)
	if _, err := ParseManifestID(string(fresh)); err != nil {
		t.Errorf("generated id does not parse: %v", err)
	}
}
