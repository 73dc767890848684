package models

import "sort"

// Category is the typed grouping of object classes. The engine emits
// CategoryChanged events keyed by it instead of branching on class-name
// strings, so observers refresh the right views without string matching.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAdmin
	CategoryParameter
	CategoryLibrary
	CategoryStructure
	CategoryDocument
)

func (c Category) String() string {
	switch c {
	case CategoryAdmin:
		return "admin"
	case CategoryParameter:
		return "parameter"
	case CategoryLibrary:
		return "library"
	case CategoryStructure:
		return "structure"
	case CategoryDocument:
		return "document"
	default:
		return "unknown"
	}
}

// ClassDef describes one object class to the engine: its category, its
// dependency rank (a referencing class ranks after every class it may
// reference), and whether its instances participate in library sync.
type ClassDef struct {
	CName    string
	Category Category
	Rank     int
	Library  bool
}

// Catalog is the class registry the engine consults for apply ordering,
// library membership, and event categories. It is configuration, not
// business semantics: the engine reads nothing of a class but these three
// facts.
type Catalog struct {
	defs map[string]ClassDef
}

// NewCatalog builds a catalog from class definitions in dependency order:
// each definition's rank is its position in the argument list unless set
// explicitly.
func NewCatalog(defs ...ClassDef) *Catalog {
	c := &Catalog{defs: make(map[string]ClassDef, len(defs))}
	for i, def := range defs {
		if def.Rank == 0 {
			def.Rank = i
		}
		c.defs[def.CName] = def
	}
	return c
}

// DefaultCatalog returns the built-in class registry. Declaration order is
// dependency order: identity and role classes first, then parameter
// definitions, then library product classes, then the structure classes
// that reference them, then documents.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ClassDef{CName: "Organization", Category: CategoryAdmin},
		ClassDef{CName: "Person", Category: CategoryAdmin},
		ClassDef{CName: "Role", Category: CategoryAdmin},
		ClassDef{CName: "RoleAssignment", Category: CategoryAdmin},
		ClassDef{CName: "Project", Category: CategoryAdmin},
		ClassDef{CName: "ParameterDefinition", Category: CategoryParameter},
		ClassDef{CName: "ParameterContext", Category: CategoryParameter},
		ClassDef{CName: "ProductType", Category: CategoryLibrary, Library: true},
		ClassDef{CName: "Template", Category: CategoryLibrary, Library: true},
		ClassDef{CName: "Product", Category: CategoryLibrary, Library: true},
		ClassDef{CName: "Assembly", Category: CategoryStructure},
		ClassDef{CName: "Usage", Category: CategoryStructure},
		ClassDef{CName: "ProjectUsage", Category: CategoryStructure},
		ClassDef{CName: "Document", Category: CategoryDocument},
	)
}

// Lookup returns the definition for cname.
func (c *Catalog) Lookup(cname string) (ClassDef, bool) {
	def, ok := c.defs[cname]
	return def, ok
}

// Rank returns the dependency rank for cname. Unknown classes rank last,
// so objects of classes the catalog does not know are applied after
// everything they could possibly reference.
func (c *Catalog) Rank(cname string) int {
	if def, ok := c.defs[cname]; ok {
		return def.Rank
	}
	return len(c.defs)
}

// Category returns the event category for cname.
func (c *Catalog) Category(cname string) Category {
	if def, ok := c.defs[cname]; ok {
		return def.Category
	}
	return CategoryUnknown
}

// LibraryClasses returns the class names that participate in library
// sync, in dependency order.
func (c *Catalog) LibraryClasses() []string {
	var names []string
	for _, def := range c.defs {
		if def.Library {
			names = append(names, def.CName)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return c.Rank(names[i]) < c.Rank(names[j])
	})
	return names
}

// SortByRank stable-sorts objects into class-dependency order so that a
// referencing object is materialized after its referent within one apply
// batch. Objects of equal rank keep their incoming order.
func (c *Catalog) SortByRank(objs []*ManagedObject) {
	sort.SliceStable(objs, func(i, j int) bool {
		return c.Rank(objs[i].CName) < c.Rank(objs[j].CName)
	})
}
