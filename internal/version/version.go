// Package version holds build information for the digproc binary
package version

// Version variable will be replaced at link time after `make` has been run.
var Version = "latest"

// Date variable will be replaced at link time. Describes when digproc was built
var Date = ""
