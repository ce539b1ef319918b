package migration

import (
	"testing"

	"contractregistry/testutil"
)

func TestMigrationCoreHasNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CoreImportForbidden, "migration core must only see store interfaces")
	testutil.AssertNoDirectImports(t, "../schema", testutil.CoreImportForbidden, "schema vocabulary is pure")
}

func TestMigrationCoreHasNoTransitiveDrivers(t *testing.T) {
	if testing.Short() {
		t.Skip("go list is slow")
	}
	testutil.AssertNoTransitiveDependency(t, ".", testutil.CoreImportForbidden, "migration core must not pull drivers")
}
