// Package rconfig resolves project, zone, region, and cluster defaults
// from environment variables, mirroring the resolution order used
// throughout the rest of the pipeline's config surface.
package rconfig

import (
	"os"
	"strings"
)

const (
	zoneEnvVar    = "KERAS_REMOTE_ZONE"
	projectEnvVar = "KERAS_REMOTE_PROJECT"
	clusterEnvVar = "KERAS_REMOTE_CLUSTER"
	gcloudProject = "GOOGLE_CLOUD_PROJECT"

	// DefaultZone is used when neither an explicit zone nor
	// KERAS_REMOTE_ZONE is set.
	DefaultZone = "us-central1-a"
)

// DefaultRegion is the region component of DefaultZone.
var DefaultRegion = ZoneToRegion(DefaultZone)

// DefaultZoneFromEnv returns the zone from KERAS_REMOTE_ZONE, or
// DefaultZone if unset.
func DefaultZoneFromEnv() string {
	if z := os.Getenv(zoneEnvVar); z != "" {
		return z
	}
	return DefaultZone
}

// ResolveProject returns project if non-empty, else
// KERAS_REMOTE_PROJECT, else GOOGLE_CLOUD_PROJECT, else "".
func ResolveProject(project string) string {
	if project != "" {
		return project
	}
	if p := os.Getenv(projectEnvVar); p != "" {
		return p
	}
	return os.Getenv(gcloudProject)
}

// ResolveCluster returns cluster if non-empty, else
// KERAS_REMOTE_CLUSTER, else "".
func ResolveCluster(cluster string) string {
	if cluster != "" {
		return cluster
	}
	return os.Getenv(clusterEnvVar)
}

// ResolveZone returns zone if non-empty, else DefaultZoneFromEnv().
func ResolveZone(zone string) string {
	if zone != "" {
		return zone
	}
	return DefaultZoneFromEnv()
}

// ZoneToRegion converts a GCP zone to its region, e.g.
// "us-central1-a" -> "us-central1". Zones without a trailing
// "-<letter>" component return DefaultRegion.
func ZoneToRegion(zone string) string {
	i := strings.LastIndex(zone, "-")
	if i < 0 || i != len(zone)-2 || zone[i+1] < 'a' || zone[i+1] > 'z' {
		// DefaultRegion, computed from DefaultZone directly so that
		// DefaultRegion's own initializer does not depend on itself.
		return DefaultZone[:len(DefaultZone)-2]
	}
	return zone[:i]
}

// ZoneToArtifactRegistryLocation converts a GCP zone to its Artifact
// Registry multi-region, e.g. "us-central1-a" -> "us".
func ZoneToArtifactRegistryLocation(zone string) string {
	region := ZoneToRegion(zone)
	if i := strings.Index(region, "-"); i >= 0 {
		return region[:i]
	}
	return region
}
