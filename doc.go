// Package pak loads and saves packages of objects and collects the objects
// nothing references any more.
//
// A package file holds a summary, a name table, import and export tables and
// the serialized objects. [Runtime] bundles what a process needs to work with
// them: an object registry, a loader that resolves package names to files, and
// a collector.
//
// # Quick Start
//
// Load a package from a directory, then collect what is no longer needed:
//
//	rt, err := pak.New(pak.WithConfig(cfg))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	level, err := rt.LoadPackage("Level")
//	if err != nil {
//	    return err
//	}
//	hero := rt.Registry().FindPath("Level.Hero")
//
//	stats, err := rt.Collect(object.FlagStandalone)
//
// # Incremental loading
//
// AsyncLoad queues a package; Tick advances queued loads within the
// configured time limit and can be called once per frame:
//
//	p := rt.AsyncLoad("Level")
//	for !p.Done() {
//	    if _, err := rt.Tick(); err != nil {
//	        return err
//	    }
//	}
//
// # Catalogs
//
// A catalog (see the catalog subpackage) maps package names to files and
// records their digests. Set config.Catalog.Path to resolve packages through
// it, with the search paths as fallback.
package pak
