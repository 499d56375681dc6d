package ushelf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var intervalAliases = map[string]string{
	"yearly":  "1y",
	"monthly": "1m",
	"weekly":  "1w",
	"daily":   "1d",
	"hourly":  "1h",
}

type RetentionPolicy struct {
	Interval int // Minimum interval between two manifests
	Count    int // Maximum number of retained manifests
}

// Can be a manifest or a manifest id
type RetentionPolicySubject interface {
	Time() (time.Time, error)
	Name() string
}

// Parse an interval. Can be expressed in hours, days, weeks, months or years.
// Return the time interval in seconds.
func ParseInterval(intv string) (int, error) {
	alias, ok := intervalAliases[intv]
	if ok {
		intv = alias
	}

	if len(intv) == 0 {
		return 0, fmt.Errorf("empty interval")
	}

	var result int
	var suffix byte
	var err error
	if strings.Contains("ymwdh", string(intv[len(intv)-1])) {
		result, err = strconv.Atoi(intv[:len(intv)-1])
		suffix = intv[len(intv)-1]
	} else {
		result, err = strconv.Atoi(intv)
	}
	if err != nil {
		return 0, err
	}

	switch suffix {
	case 'y':
		result *= 365 * 24 * 3600
	case 'm':
		result *= 30 * 24 * 3600
	case 'w':
		result *= 7 * 24 * 3600
	case 'd':
		result *= 24 * 3600
	case 'h':
		result *= 3600
	}

	return result, nil
}

// Parse a policy of the form interval=count, for example daily=7 or monthly=12
func ParseRetentionPolicy(policy string) (RetentionPolicy, error) {
	kv := strings.SplitN(policy, "=", 2)
	if len(kv) != 2 {
		return RetentionPolicy{}, fmt.Errorf("invalid retention policy: %s", policy)
	}

	count, err := strconv.Atoi(strings.TrimSpace(kv[1]))
	if err != nil {
		return RetentionPolicy{}, err
	}
	if count < 0 {
		return RetentionPolicy{}, fmt.Errorf("invalid retention count: %d", count)
	}

	intv, err := ParseInterval(strings.TrimSpace(kv[0]))
	if err != nil {
		return RetentionPolicy{}, err
	}

	return RetentionPolicy{Interval: intv, Count: count}, nil
}

// Apply retention policies to a set of subjects sorted from most recent to
// least recent, returning a set of retained subject names
func ApplyRetentionPolicies(policies []RetentionPolicy, subjects []RetentionPolicySubject) (map[string]struct{}, error) {
	retained := make(map[string]struct{})
	for _, policy := range policies {
		var lastRetainedTime time.Time
		retainedCount := 0
		for _, subject := range subjects {
			if retainedCount >= policy.Count {
				break
			}
			t, err := subject.Time()
			if err != nil {
				return nil, err
			}
			if retainedCount == 0 || lastRetainedTime.Sub(t).Seconds() >= 0.9*float64(policy.Interval) {
				lastRetainedTime = t
				retained[subject.Name()] = struct{}{}
				retainedCount++
			}
		}
	}
	return retained, nil
}

// Get manifests not retained by the given policies. ids must be sorted from
// most recent to least recent. Without policies, nothing is pruned. The most
// recent manifest of each library is always retained, since it is the restore
// target and the parent of the next backup.
func GetPrunedManifests(ids []ManifestID, latest map[string]ManifestID, policies []RetentionPolicy) ([]ManifestID, error) {
	if len(policies) == 0 {
		return nil, nil
	}

	subjects := make([]RetentionPolicySubject, 0, len(ids))
	for _, id := range ids {
		subjects = append(subjects, id)
	}

	retained, err := ApplyRetentionPolicies(policies, subjects)
	if err != nil {
		return nil, err
	}
	for _, id := range latest {
		retained[id.Name()] = struct{}{}
	}

	pruned := make([]ManifestID, 0, len(ids))
	for _, id := range ids {
		if _, ok := retained[id.Name()]; !ok {
			pruned = append(pruned, id)
		}
	}

	return pruned, nil
}
