package blob

import (
	"testing"

	"studycore/testutil"
)

func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	for _, pkg := range []string{"studycore/internal/importer", "studycore/internal/adapters/studies", "studycore/internal/provision"} {
		testutil.AssertNoTransitiveDependency(t, pkg, testutil.PackageForbidden("studycore/internal/infra/blob"), pkg+" must use the blob core.Store interface")
	}
}
