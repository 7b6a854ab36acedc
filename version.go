package canopy

// Version is the engine release. Build pipelines may override it with
// -ldflags "-X github.com/aretw0/canopy.Version=...".
var Version = "0.1.0"
