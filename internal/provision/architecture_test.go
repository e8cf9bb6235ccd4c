package provision

import (
	"testing"

	"studycore/testutil"
)

// The copy job rebuilds the visit index through visitindex rather than
// calling into the import pipeline.
func TestProvisionDoesNotDependOnImporter(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, "studycore/internal/provision", testutil.PackageForbidden("studycore/internal/importer"), "provisioning must not run imports")
}
