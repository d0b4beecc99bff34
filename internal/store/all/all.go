// Package all wires the built-in store backends into the store factory.
//
// It exists purely for side effects: importing it (even as a blank import)
// runs the init functions of each concrete backend, which register their
// factories with the store package. After importing it the following kinds
// are available via store.New:
//
//   - "memory"   (geoimport/internal/store)
//   - "postgres" (geoimport/internal/store/postgres)
//   - "sqlite"   (geoimport/internal/store/sqlite)
//
// A binary that only needs one backend can import that backend directly
// instead of this package.
package all

import (
	_ "geoimport/internal/store/postgres"
	_ "geoimport/internal/store/sqlite"
)
