package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Rank(t *testing.T) {
	cat := DefaultCatalog()

	// Definitions an object depends on must rank before the classes
	// that reference them.
	assert.Less(t, cat.Rank("ParameterDefinition"), cat.Rank("ProductType"))
	assert.Less(t, cat.Rank("ProductType"), cat.Rank("Product"))
	assert.Less(t, cat.Rank("Product"), cat.Rank("Usage"))
	assert.Less(t, cat.Rank("Organization"), cat.Rank("RoleAssignment"))

	// Unknown classes sort after every cataloged one.
	assert.Greater(t, cat.Rank("NoSuchClass"), cat.Rank("Document"))
}

func TestCatalog_Category(t *testing.T) {
	cat := DefaultCatalog()

	tests := []struct {
		cname    string
		expected Category
	}{
		{cname: "Organization", expected: CategoryAdmin},
		{cname: "RoleAssignment", expected: CategoryAdmin},
		{cname: "ParameterDefinition", expected: CategoryParameter},
		{cname: "ProductType", expected: CategoryLibrary},
		{cname: "Product", expected: CategoryLibrary},
		{cname: "Assembly", expected: CategoryStructure},
		{cname: "Document", expected: CategoryDocument},
		{cname: "Mystery", expected: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.cname, func(t *testing.T) {
			assert.Equal(t, tt.expected, cat.Category(tt.cname))
		})
	}
}

func TestCatalog_Lookup(t *testing.T) {
	cat := DefaultCatalog()

	def, ok := cat.Lookup("Product")
	require.True(t, ok)
	assert.Equal(t, "Product", def.CName)
	assert.True(t, def.Library)

	_, ok = cat.Lookup("Mystery")
	assert.False(t, ok)
}

func TestCatalog_LibraryClasses(t *testing.T) {
	cat := DefaultCatalog()

	classes := cat.LibraryClasses()
	require.NotEmpty(t, classes)

	// Dependency order is preserved so a library pull can fetch class
	// by class without dangling references.
	rank := make(map[string]int, len(classes))
	for i, cname := range classes {
		def, ok := cat.Lookup(cname)
		require.True(t, ok, "library class %s missing from catalog", cname)
		assert.True(t, def.Library)
		rank[cname] = i
	}
	assert.Less(t, rank["ProductType"], rank["Product"])
}

func TestCatalog_SortByRank(t *testing.T) {
	cat := DefaultCatalog()

	objs := []*ManagedObject{
		{OID: "u1", CName: "Usage"},
		{OID: "p1", CName: "Product"},
		{OID: "x1", CName: "Mystery"},
		{OID: "pt1", CName: "ProductType"},
		{OID: "p2", CName: "Product"},
	}

	cat.SortByRank(objs)

	var order []string
	for _, o := range objs {
		order = append(order, o.OID)
	}
	// Stable sort keeps p1 before p2; unknown class goes last.
	assert.Equal(t, []string{"pt1", "p1", "p2", "u1", "x1"}, order)
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "admin", CategoryAdmin.String())
	assert.Equal(t, "library", CategoryLibrary.String())
	assert.Equal(t, "unknown", CategoryUnknown.String())
	assert.Equal(t, "unknown", Category(99).String())
}
