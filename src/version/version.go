package version

// Version is the semantic version of the distributed-mls tree.
const Version = "0.1.0"
