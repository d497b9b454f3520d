// ABOUTME: Root rootmap package providing version information and package documentation
// ABOUTME: This is the root package for the GC root map toolkit

// Package rootmap records, encodes and decodes the GC root maps a JIT
// back end emits for its compiled methods. It includes the safepoint
// builder, the binary codec, the safepoint locator and the root
// enumerator that resolves interior pointers before handing roots to
// the collector.
package rootmap

// Version is the semantic version of the rootmap toolkit
const Version = "0.1.0-dev"
