package validation

import (
	"os"
	"strconv"
	"testing"

	"github.com/gomlx/multidevice/comms"
)

// DisableSkipEnvVar, when set to a true value, turns device-count skips into failures:
// useful in environments that are supposed to provide enough devices, where a skip would
// silently hide a configuration problem.
const DisableSkipEnvVar = "GOMLX_MESH_DISABLE_SKIP"

// SkipIfFewerDevices skips the test when the ambient configuration (the
// GOMLX_MESH_DEVICES environment variable) provides fewer than numDevices devices. With
// DisableSkipEnvVar set, it fails the test instead of skipping it.
func SkipIfFewerDevices(t testing.TB, numDevices int) {
	t.Helper()
	available := 1
	if value := os.Getenv(comms.NumDevicesEnvVar); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			t.Fatalf("%s=%q must be a positive integer", comms.NumDevicesEnvVar, value)
		}
		available = parsed
	}
	if available >= numDevices {
		return
	}
	if disabled, _ := strconv.ParseBool(os.Getenv(DisableSkipEnvVar)); disabled {
		t.Fatalf("test needs %d devices, %s provides %d and %s forbids skipping",
			numDevices, comms.NumDevicesEnvVar, available, DisableSkipEnvVar)
	}
	t.Skipf("test needs %d devices, %s provides %d", numDevices, comms.NumDevicesEnvVar, available)
}
